// Command mailvault is a thin operator CLI around the archive engine:
// verify/stats/search/compact a single archive file from the shell.
// Nothing in the library depends on this command; it exists purely as a
// convenience wrapper, mirroring the teacher's cmd/chartly dispatch shape.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/chartly-labs/mailvault"
	"github.com/chartly-labs/mailvault/internal/archive"
	"github.com/chartly-labs/mailvault/pkg/config"
	"github.com/chartly-labs/mailvault/pkg/telemetry"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "verify":
		cmdVerify(os.Args[2:])
	case "stats":
		cmdStats(os.Args[2:])
	case "search":
		cmdSearch(os.Args[2:])
	case "compact":
		cmdCompact(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Println("mailvault verify --path archive.mbx --key-env MAILVAULT_KEY")
	fmt.Println("mailvault stats --path archive.mbx --key-env MAILVAULT_KEY")
	fmt.Println("mailvault search --path archive.mbx --key-env MAILVAULT_KEY --q revenue --from alice@example.com")
	fmt.Println("mailvault compact --path archive.mbx --key-env MAILVAULT_KEY")
}

func masterKeyFromEnv(envVar string) []byte {
	key := os.Getenv(envVar)
	if key == "" {
		fmt.Fprintf(os.Stderr, "%s is not set\n", envVar)
		os.Exit(1)
	}
	return []byte(key)
}

func openEngine(path, keyEnv string) *mailvault.Engine {
	log := telemetry.NewInfoLogger(os.Stderr, "mailvault-cli")
	opts := config.DefaultEngineOptions()
	opts.EnableBackgroundMaintenance = false

	e, err := mailvault.Open(context.Background(), path, masterKeyFromEnv(keyEnv), opts, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open failed:", err)
		os.Exit(1)
	}
	return e
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "marshal failed:", err)
		os.Exit(1)
	}
	fmt.Println(string(b))
}

func cmdVerify(args []string) {
	fs := flag.NewFlagSet("verify", flag.ExitOnError)
	path := fs.String("path", "", "path to the archive file")
	keyEnv := fs.String("key-env", "MAILVAULT_KEY", "environment variable holding the master key")
	_ = fs.Parse(args)
	if *path == "" {
		usage()
		os.Exit(2)
	}

	e := openEngine(*path, *keyEnv)
	defer e.Close()

	report, err := e.Verify(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "verify failed:", err)
		os.Exit(1)
	}
	printJSON(report)
	if !report.HeaderOK || report.ChecksumFailCount > 0 || !report.HashChainOK {
		os.Exit(1)
	}
}

func cmdStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	path := fs.String("path", "", "path to the archive file")
	keyEnv := fs.String("key-env", "MAILVAULT_KEY", "environment variable holding the master key")
	_ = fs.Parse(args)
	if *path == "" {
		usage()
		os.Exit(2)
	}

	e := openEngine(*path, *keyEnv)
	defer e.Close()

	report, err := e.Verify(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "stats failed:", err)
		os.Exit(1)
	}
	printJSON(map[string]any{
		"checksum_pass_count": report.ChecksumPassCount,
		"checksum_fail_count": report.ChecksumFailCount,
		"hash_chain_ok":       report.HashChainOK,
	})
}

func cmdSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	path := fs.String("path", "", "path to the archive file")
	keyEnv := fs.String("key-env", "MAILVAULT_KEY", "environment variable holding the master key")
	query := fs.String("q", "", "full-text query")
	from := fs.String("from", "", "filter by From address")
	_ = fs.Parse(args)
	if *path == "" {
		usage()
		os.Exit(2)
	}

	e := openEngine(*path, *keyEnv)
	defer e.Close()

	hits, err := e.Search(context.Background(), archive.Criteria{Query: *query, FromEmail: *from})
	if err != nil {
		fmt.Fprintln(os.Stderr, "search failed:", err)
		os.Exit(1)
	}
	printJSON(hits)
}

func cmdCompact(args []string) {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	path := fs.String("path", "", "path to the archive file")
	keyEnv := fs.String("key-env", "MAILVAULT_KEY", "environment variable holding the master key")
	_ = fs.Parse(args)
	if *path == "" {
		usage()
		os.Exit(2)
	}

	e := openEngine(*path, *keyEnv)
	defer e.Close()

	report, err := e.Compact(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "compact failed:", err)
		os.Exit(1)
	}
	printJSON(report)
}
