package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/mentorsync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   ops HTTP bind address (e.g., ":8081")
//	-d string   PostgreSQL DSN
//	-l string   log level (debug|info|warn|error)
//	-u string   S3 root user
//	-p string   S3 root password
//	-b string   S3 bucket name
//	-g string   S3 region
//	-e string   S3 base endpoint (e.g., "http://127.0.0.1:9000/")
//	-m string   sync mode (outbox|inline)
//	-i int      worker poll interval, seconds
//	-n int      worker batch size
//	-r int      worker max attempts per event
//	-x int      photo size ceiling, bytes
//
// os.Args is filtered with flagx.FilterArgs first, so -c/-config and flags
// owned by other layers do not make parsing fail.
func parseFlags(config *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-l", "-u", "-p", "-b", "-g", "-e", "-m", "-i", "-n", "-r", "-x"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrHTTP, "a", config.EndpointAddrHTTP, "ops endpoint address")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")

	fs.StringVar(&config.S3RootUser, "u", config.S3RootUser, "S3 root user")
	fs.StringVar(&config.S3RootPassword, "p", config.S3RootPassword, "S3 root password")
	fs.StringVar(&config.S3Bucket, "b", config.S3Bucket, "S3 bucket")
	fs.StringVar(&config.S3Region, "g", config.S3Region, "S3 region")
	fs.StringVar(&config.S3BaseEndpoint, "e", config.S3BaseEndpoint, "S3 base endpoint")

	fs.StringVar(&config.SyncMode, "m", config.SyncMode, "sync mode (outbox|inline)")
	pollInterval := fs.Int("i", int(config.WorkerPollInterval.Seconds()), "worker poll interval (in seconds)")
	fs.IntVar(&config.WorkerBatchSize, "n", config.WorkerBatchSize, "worker batch size")
	fs.IntVar(&config.WorkerMaxAttempts, "r", config.WorkerMaxAttempts, "worker max attempts")
	fs.Int64Var(&config.PhotoMaxBytes, "x", config.PhotoMaxBytes, "photo size ceiling (in bytes)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	config.WorkerPollInterval = time.Duration(*pollInterval) * time.Second
}
