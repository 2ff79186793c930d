package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/bus-bunching/internal/common/config"
	"github.com/bus-bunching/internal/report"
	"github.com/bus-bunching/internal/storage"
)

func main() {
	trip := flag.Bool("trip", false, "evaluate every route serving both -origin and -dest")
	origin := flag.String("origin", "", "origin stop_id")
	dest := flag.String("dest", "", "destination stop_id")
	dataDir := flag.String("data", "", "data directory (defaults to DATA_DIR or ./data)")
	flag.Parse()

	_ = godotenv.Load()

	dir := *dataDir
	if dir == "" {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Failed to load configuration:", err)
			os.Exit(1)
		}
		dir = cfg.Pipeline.DataDir
	}
	tiers := storage.NewTiers(dir)

	var err error
	if *trip {
		err = runTrip(os.Stdout, tiers, *origin, *dest)
	} else {
		err = runInteractive(os.Stdin, os.Stdout, tiers)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("both -origin and -dest are required with -trip")

// runTrip prints the trip report for the routes seen at both stops in the
// latest silver snapshot.
func runTrip(out io.Writer, tiers storage.Tiers, origin, dest string) error {
	if origin == "" || dest == "" {
		return errUsage
	}

	silverPath, err := storage.LatestFile(tiers.Silver, ".csv")
	if err != nil {
		return err
	}
	observations, err := storage.ReadObservationsFile(silverPath)
	if err != nil {
		return err
	}

	scoresPath, err := storage.LatestFile(tiers.Scores, ".csv")
	if err != nil {
		return err
	}
	scores, err := storage.ReadScoresFile(scoresPath)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Using silver snapshot: %s\n", filepath.Base(silverPath))
	fmt.Fprintf(out, "Using headway scores : %s\n", filepath.Base(scoresPath))

	candidates := report.FindCandidateRoutes(observations, origin, dest)
	fmt.Fprintln(out, report.FormatTripReport(origin, dest, report.EvaluateTrip(scores, candidates)))
	return nil
}

// runInteractive prompts for a route and direction and prints its health
// summary.
func runInteractive(in io.Reader, out io.Writer, tiers storage.Tiers) error {
	fmt.Fprintln(out, "=== Rider Headway Health Checker ===")
	fmt.Fprintln(out)

	scanner := bufio.NewScanner(in)
	ask := func(prompt string) string {
		fmt.Fprint(out, prompt)
		if !scanner.Scan() {
			return ""
		}
		return strings.TrimSpace(scanner.Text())
	}

	routeID := ask("Enter route_id (e.g. 39): ")
	dirRaw := ask("Enter direction_id (0 or 1): ")
	directionID, err := strconv.Atoi(dirRaw)
	if err != nil {
		fmt.Fprintln(out, "direction_id must be 0 or 1.")
		return nil
	}
	origin := ask("Enter origin stop_id (optional, press Enter to skip): ")
	dest := ask("Enter destination stop_id (optional, press Enter to skip): ")

	scoresPath, err := storage.LatestFile(tiers.Scores, ".csv")
	if err != nil {
		return err
	}
	scores, err := storage.ReadScoresFile(scoresPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nUsing headway scores file: %s\n", filepath.Base(scoresPath))

	row, ok := report.Lookup(scores, routeID, directionID)
	if !ok {
		fmt.Fprintf(out, "\nNo headway scores found for route %s, direction %d in the latest snapshot.\n", routeID, directionID)
		return nil
	}

	fmt.Fprint(out, report.FormatRouteSummary(row, origin, dest))
	return nil
}
