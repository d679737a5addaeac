// Command sweeper reconciles blob storage against the metadata table,
// removing blobs that no dump record references. Run it periodically to
// bound storage growth from crashes between blob write and metadata
// commit.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/maneesh/crashstore/internal/config"
	"github.com/maneesh/crashstore/internal/storage"
	"github.com/maneesh/crashstore/internal/sweep"
)

func main() {
	dryRun := flag.Bool("dry-run", false, "report orphan blobs without deleting them")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	var blobs storage.BlobStore
	switch cfg.StorageBackend {
	case "s3":
		blobs, err = storage.NewMinioStore(
			cfg.MinIOEndpoint,
			cfg.MinIOAccessKey,
			cfg.MinIOSecretKey,
			cfg.MinIOBucketName,
			cfg.MinIOUseSSL,
		)
		if err != nil {
			log.Fatalf("Failed to initialize MinIO blob store: %v", err)
		}
	default:
		blobs, err = storage.NewFSStore(cfg.DumpsBaseDir, cfg.Compress)
		if err != nil {
			log.Fatalf("Failed to initialize filesystem blob store: %v", err)
		}
	}

	meta, err := storage.OpenMySQL(cfg.GetDSN())
	if err != nil {
		log.Fatalf("Failed to initialize metadata store: %v", err)
	}
	defer meta.Close()

	grace := time.Duration(cfg.SweepGraceMinutes) * time.Minute
	sweeper := sweep.New(blobs, meta, grace, *dryRun)

	removed, err := sweeper.Run(context.Background())
	if err != nil {
		log.Fatalf("Sweep failed after removing %d orphans: %v", removed, err)
	}

	if *dryRun {
		log.Printf("Sweep complete: %d orphan blobs found (dry run)", removed)
	} else {
		log.Printf("Sweep complete: %d orphan blobs removed", removed)
	}
}
