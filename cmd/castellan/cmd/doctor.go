package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/castellan/castellan/internal/embedding"
	"github.com/castellan/castellan/internal/vectorstore"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check connectivity to every external dependency",
	Long: `Doctor probes the vector backend, the embedding endpoint, and every
configured notification channel, reporting pass/fail per dependency.`,
	RunE: runDoctor,
}

func init() {
	doctorCmd.Flags().String("format", "text", "output format (text or json)")

	rootCmd.AddCommand(doctorCmd)
}

// checkResult is one row of the doctor report.
type checkResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass or fail
	Message string `json:"message,omitempty"`
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	var results []checkResult

	store := vectorstore.New(Cfg.VectorStore)
	results = append(results, check("vector-store", func() error {
		return store.EnsureCollection(ctx)
	}))

	embedder := embedding.New(Cfg.Embedding)
	results = append(results, check("embedding-endpoint", func() error {
		vec, err := embedder.Embed(ctx, "castellan connectivity probe")
		if err != nil {
			return err
		}
		if vec.Empty() {
			return fmt.Errorf("endpoint responded but returned no embedding")
		}
		return nil
	}))

	notifyChannels, err := buildChannels(Cfg.Notification)
	if err != nil {
		results = append(results, checkResult{Name: "notification-config", Status: "fail", Message: err.Error()})
	} else {
		for _, ch := range notifyChannels {
			ch := ch
			results = append(results, check("channel/"+ch.Name(), func() error {
				return ch.TestConnection(ctx)
			}))
		}
	}

	format, _ := cmd.Flags().GetString("format")
	if format == "json" {
		data, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	} else {
		fmt.Println("Castellan Doctor")
		fmt.Println()
		for _, r := range results {
			indicator := "[OK]  "
			if r.Status == "fail" {
				indicator = "[FAIL]"
			}
			fmt.Printf("%s %s", indicator, r.Name)
			if r.Message != "" {
				fmt.Printf(": %s", r.Message)
			}
			fmt.Println()
		}
	}

	for _, r := range results {
		if r.Status == "fail" {
			return fmt.Errorf("%d of %d checks failed", countFailed(results), len(results))
		}
	}
	return nil
}

func check(name string, fn func() error) checkResult {
	if err := fn(); err != nil {
		return checkResult{Name: name, Status: "fail", Message: err.Error()}
	}
	return checkResult{Name: name, Status: "pass"}
}

func countFailed(results []checkResult) int {
	n := 0
	for _, r := range results {
		if r.Status == "fail" {
			n++
		}
	}
	return n
}
