// Command spellctl talks to a spellnet cluster from the command line.
//
// Usage:
//
//	spellctl check -addr localhost:7520 -user alice notes.txt
//	spellctl add-words -addr localhost:7520 -user alice qwikk jumpd
//	spellctl stats -url http://localhost:9530/stats
//
// check writes the annotated text to stdout, and to corrected_<name>.txt in
// -out when that flag is set. Words in brackets are not in the lexicon.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dreamware/spellnet/internal/cluster"
	"github.com/dreamware/spellnet/internal/worker"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

var errUsage = errors.New("usage: spellctl check|add-words|stats [flags]")

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		logFatal("spellctl: %v", err)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "check":
		return runCheck(ctx, args[1:], stdout)
	case "add-words":
		return runAddWords(ctx, args[1:], stdout)
	case "stats":
		return runStats(ctx, args[1:], stdout)
	}
	return fmt.Errorf("unknown command %q: %w", args[0], errUsage)
}

type connFlags struct {
	addr    string
	user    string
	timeout time.Duration
}

func (c *connFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.addr, "addr", "localhost:7520", "balancer or worker address")
	fs.StringVar(&c.user, "user", "", "username (required)")
	fs.DurationVar(&c.timeout, "timeout", 30*time.Second, "request timeout")
}

func (c *connFlags) dial(ctx context.Context) (*worker.Client, error) {
	if strings.TrimSpace(c.user) == "" {
		return nil, errors.New("-user is required")
	}
	return worker.Dial(ctx, c.addr, c.user)
}

func runCheck(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("check", flag.ContinueOnError)
	var conn connFlags
	conn.register(fs)
	outDir := fs.String("out", "", "directory for corrected_<name> output")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("check: exactly one file is required")
	}
	path := fs.Arg(0)
	text, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, conn.timeout)
	defer cancel()
	c, err := conn.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	checked, err := c.Check(ctx, filepath.Base(path), string(text))
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, checked)

	if *outDir != "" {
		name := "corrected_" + filepath.Base(path)
		if err := os.WriteFile(filepath.Join(*outDir, name), []byte(checked), 0o644); err != nil {
			return err
		}
	}
	return nil
}

func runAddWords(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("add-words", flag.ContinueOnError)
	var conn connFlags
	conn.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("add-words: at least one word is required")
	}

	ctx, cancel := context.WithTimeout(ctx, conn.timeout)
	defer cancel()
	c, err := conn.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	added, err := c.AddWords(ctx, fs.Args())
	if err != nil {
		return err
	}
	if added {
		fmt.Fprintln(stdout, cluster.TokenPollSuccess)
	} else {
		fmt.Fprintln(stdout, cluster.TokenNoNewWords)
	}
	return nil
}

func runStats(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	url := fs.String("url", "http://localhost:9520/stats", "status endpoint")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var doc map[string]any
	if err := cluster.GetJSON(ctx, *url, &doc); err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
