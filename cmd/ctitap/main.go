// ctitap classifies captured CTI payloads offline. Point it at a capture
// file (or pipe payloads on stdin, blank-line separated) and it prints how
// each payload would be classified and routed, then a discovery summary:
// the quickest way to learn what a switch deployment actually emits.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/sweeney/cti-bridge/internal/classify"
	"github.com/sweeney/cti-bridge/internal/discovery"
	"github.com/sweeney/cti-bridge/internal/feed"
	"github.com/sweeney/cti-bridge/internal/route"
)

func main() {
	file := flag.String("file", "", "Capture file to read (default stdin)")
	rulesFile := flag.String("rules", "", "Routing rules file (default built-in table)")
	sanitize := flag.String("sanitize", "", "Sanitize a capture file in-place (keeps .bak)")
	flag.Parse()

	if *sanitize != "" {
		if err := sanitizeFile(*sanitize); err != nil {
			fmt.Fprintf(os.Stderr, "sanitize error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("sanitized:", *sanitize)
		return
	}

	if err := tap(*file, *rulesFile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func tap(file, rulesFile string) error {
	var in io.Reader = os.Stdin
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return fmt.Errorf("opening capture: %w", err)
		}
		defer f.Close()
		in = f
	}

	var rules []route.Rule
	if rulesFile != "" {
		loaded, err := route.LoadRules(rulesFile)
		if err != nil {
			return err
		}
		rules = loaded
	}
	router := route.NewRouter(rules)

	table := discovery.NewTable()
	classifier := classify.New(classify.WithDiscovery(table))

	scanner := feed.NewScanner(in)
	n := 0
	for {
		payload, ok := scanner.Next()
		if !ok {
			break
		}
		n++

		res := classifier.Classify(payload)
		dec := router.Route(res.EventType, payload)

		eventType := res.EventType
		if eventType == "" {
			eventType = "(unrecognized)"
		}
		callID := res.CallID
		if callID == "" {
			callID = "-"
		}
		verdict := "suppress"
		if dec.Publish {
			verdict = "publish"
		}
		fmt.Printf("%4d  %-28s call=%-14s %-22s %s\n", n, eventType, callID, dec.Category, verdict)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading capture: %w", err)
	}

	fmt.Printf("\n%d payloads, %d distinct event types:\n", n, table.Len())
	for _, rec := range table.Snapshot() {
		fmt.Printf("  %-28s count=%-6d calls=%d\n", rec.EventType, rec.Occurrences, rec.CallIDs)
	}
	return nil
}

var (
	phonePattern = regexp.MustCompile(`\b1?\d{10}\b`)
	aniPattern   = regexp.MustCompile(`(ani=")[^"]+(")`)
	dnisPattern  = regexp.MustCompile(`(dnis=")[^"]+(")`)
)

// sanitizeFile redacts caller-identifying values so captures can be
// shared and checked into testdata.
func sanitizeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	// Create backup
	bakPath := path + ".bak"
	if err := os.WriteFile(bakPath, data, 0o644); err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}

	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		line = aniPattern.ReplaceAllString(line, "${1}15550001234${2}")
		line = dnisPattern.ReplaceAllString(line, "${1}15550005678${2}")
		line = phonePattern.ReplaceAllString(line, "15550001234")
		lines[i] = line
	}

	return os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0o644)
}
