package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/castellan/castellan/internal/vectorstore"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show retention-window state of the vector index",
	Long: `Status reports whether the vector index holds data within the 24-hour
retention window, along with the configured channels and endpoints.`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().String("format", "text", "output format (text or json)")

	rootCmd.AddCommand(statusCmd)
}

type statusInfo struct {
	Channels       []string `json:"channels"`
	VectorEndpoint string   `json:"vector_endpoint"`
	Collection     string   `json:"collection"`
	Has24hData     bool     `json:"has_24h_data"`
	VectorError    string   `json:"vector_error,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()

	info := statusInfo{
		Channels:       Cfg.Collector.Channels,
		VectorEndpoint: Cfg.VectorStore.Endpoint,
		Collection:     Cfg.VectorStore.CollectionName,
	}

	store := vectorstore.New(Cfg.VectorStore)
	has, err := store.Has24HoursOfData(ctx)
	if err != nil {
		info.VectorError = err.Error()
	}
	info.Has24hData = has

	format, _ := cmd.Flags().GetString("format")
	if format == "json" {
		data, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Castellan Status\n")
	fmt.Printf("  Channels:       %v\n", info.Channels)
	fmt.Printf("  Vector backend: %s (collection %s)\n", info.VectorEndpoint, info.Collection)
	if info.VectorError != "" {
		fmt.Printf("  Vector backend unreachable: %s\n", info.VectorError)
	} else if info.Has24hData {
		fmt.Printf("  Retention:      data present within the 24h window\n")
	} else {
		fmt.Printf("  Retention:      no data within the 24h window\n")
	}
	return nil
}
