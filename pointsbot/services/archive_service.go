package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/aiclub-dev/pointsbot/pointsbot/database/repositories"
)

// ArchiveConfig sets the retention policy. Ages of zero disable the
// corresponding sweep, so the default is "retain forever". Processed-event
// retention bounds the idempotency window: an event redelivered later than
// ProcessedEventMaxAge after first delivery may be applied again, which is
// why the default age is generous.
type ArchiveConfig struct {
	TransactionMaxAge    time.Duration `toml:"transaction_max_age"`
	ProcessedEventMaxAge time.Duration `toml:"processed_event_max_age"`
	SweepInterval        time.Duration `toml:"sweep_interval"`
	BatchSize            int           `toml:"batch_size"`

	Key    string `toml:"key"`
	Secret string `toml:"secret"`
	Region string `toml:"region"`
	Bucket string `toml:"bucket"`
	Prefix string `toml:"prefix"`
}

// ArchiveService ages out old ledger rows. Transactions are written to
// object storage as JSON before deletion so the full history stays
// reconstructable; processed-event markers are simply dropped once they
// age past the idempotency window.
type ArchiveService struct {
	txns   repositories.TransactionRepository
	client *s3.Client
	cfg    ArchiveConfig
	prefix string
}

func NewArchiveService(txns repositories.TransactionRepository, cfg ArchiveConfig) *ArchiveService {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1000
	}

	svc := &ArchiveService{
		txns:   txns,
		cfg:    cfg,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}

	if cfg.TransactionMaxAge > 0 {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL: fmt.Sprintf("https://%s.digitaloceanspaces.com", region),
			}, nil
		})

		awsCfg, err := config.LoadDefaultConfig(context.TODO(),
			config.WithEndpointResolverWithOptions(resolver),
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.Key, cfg.Secret, "")),
			config.WithRegion(cfg.Region),
		)
		if err != nil {
			panic(fmt.Sprintf("Unable to load Spaces config: %v", err))
		}

		svc.client = s3.NewFromConfig(awsCfg)
	}

	return svc
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (s *ArchiveService) Run(ctx context.Context) {
	if s.cfg.TransactionMaxAge == 0 && s.cfg.ProcessedEventMaxAge == 0 {
		slog.Info("Retention disabled, archive sweeper not running",
			slog.String("type", "sys"))
		return
	}

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				slog.Error("Archive sweep failed",
					slog.String("type", "sys"),
					slog.Any("error", err))
			}
		}
	}
}

// Sweep runs one retention pass.
func (s *ArchiveService) Sweep(ctx context.Context) error {
	if s.cfg.TransactionMaxAge > 0 {
		if err := s.archiveTransactions(ctx); err != nil {
			return err
		}
	}

	if s.cfg.ProcessedEventMaxAge > 0 {
		cutoff := time.Now().Add(-s.cfg.ProcessedEventMaxAge)
		pruned, err := s.txns.PruneProcessedEvents(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("prune processed events: %w", err)
		}
		if pruned > 0 {
			slog.Info("Pruned processed events",
				slog.String("type", "sys"),
				slog.Int64("count", pruned))
		}
	}

	return nil
}

func (s *ArchiveService) archiveTransactions(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.TransactionMaxAge)

	for {
		batch, err := s.txns.SelectOlderThan(ctx, cutoff, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("select old transactions: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		if err := s.uploadBatch(ctx, batch[0].ID, batch); err != nil {
			return err
		}

		ids := make([]int64, len(batch))
		for i, txn := range batch {
			ids[i] = txn.ID
		}
		deleted, err := s.txns.DeleteBatch(ctx, ids)
		if err != nil {
			return fmt.Errorf("delete archived transactions: %w", err)
		}

		slog.Info("Archived transaction batch",
			slog.String("type", "sys"),
			slog.Int64("deleted", deleted),
			slog.Int64("first_id", batch[0].ID),
			slog.Int64("last_id", batch[len(batch)-1].ID))
	}
}

func (s *ArchiveService) uploadBatch(ctx context.Context, firstID int64, batch any) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal archive batch: %w", err)
	}

	key := fmt.Sprintf("transactions/%s-%d.json", time.Now().UTC().Format("20060102T150405"), firstID)
	if s.prefix != "" {
		key = s.prefix + "/" + key
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("upload archive %s: %w", key, err)
	}

	return nil
}
