package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/hanko-field/shipping-change/internal/platform/config"
)

const defaultDialTimeout = 10 * time.Second

// ErrProjectRequired is returned when no project id is configured.
var ErrProjectRequired = errors.New("firestore: project id is required")

// Open creates a Firestore client for cfg. When an emulator host is set the
// client skips authentication and dials it in plaintext.
func Open(ctx context.Context, cfg config.FirestoreConfig, opts ...option.ClientOption) (*firestore.Client, error) {
	projectID := strings.TrimSpace(cfg.ProjectID)
	if projectID == "" {
		return nil, ErrProjectRequired
	}

	clientOpts := append([]option.ClientOption(nil), opts...)
	if host := strings.TrimSpace(cfg.EmulatorHost); host != "" {
		clientOpts = append(clientOpts,
			option.WithoutAuthentication(),
			option.WithEndpoint(host),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}

	dialCtx, cancel := context.WithTimeout(ctx, defaultDialTimeout)
	defer cancel()

	client, err := firestore.NewClient(dialCtx, projectID, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("firestore: create client: %w", err)
	}
	return client, nil
}
