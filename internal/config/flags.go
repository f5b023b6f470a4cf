package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/medvoice/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-d string   SQLite DSN of the local queue database
//	-e string   resumable-upload endpoint of the object store
//	-b string   storage bucket name
//	-t string   base URL of the conversation-thread service
//	-i int      online check interval in seconds
//
// Note: The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	// Filter args to include only those handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-e", "-b", "-t", "-i"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.DatabaseDSN, "d", cfg.DatabaseDSN, "sqlite dsn of the local queue database")
	fs.StringVar(&cfg.StorageEndpoint, "e", cfg.StorageEndpoint, "resumable upload endpoint")
	fs.StringVar(&cfg.StorageBucket, "b", cfg.StorageBucket, "storage bucket name")
	fs.StringVar(&cfg.ThreadEndpoint, "t", cfg.ThreadEndpoint, "conversation thread service base url")
	onlineCheckInterval := fs.Int("i", int(cfg.OnlineCheckInterval.Seconds()), "online check interval (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.OnlineCheckInterval = time.Duration(*onlineCheckInterval) * time.Second
}
