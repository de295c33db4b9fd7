package cmd

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// statusReport is what a running router answers on /health, plus the
// models it currently serves.
type statusReport struct {
	Status    string `json:"status"`
	Strategy  string `json:"strategy"`
	Endpoints int    `json:"endpoints"`
	Version   string `json:"version"`
	Models    []string
}

// statusClient probes a running router over HTTP.
type statusClient struct {
	baseURL    string
	httpClient *http.Client
}

func newStatusClient(baseURL string) *statusClient {
	return &statusClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// Fetch reads /health and /v1/models from the router.
func (c *statusClient) Fetch() (*statusReport, error) {
	var report statusReport
	if err := c.getJSON("/health", &report); err != nil {
		return nil, err
	}

	var models struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := c.getJSON("/v1/models", &models); err != nil {
		return nil, err
	}
	for _, m := range models.Data {
		report.Models = append(report.Models, m.ID)
	}
	sort.Strings(report.Models)
	return &report, nil
}

func (c *statusClient) getJSON(path string, v any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: HTTP %d: %s", path, resp.StatusCode, string(data))
	}
	return sonic.Unmarshal(data, v)
}

// --- llm-router status ---

var statusTarget string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Probe a running router and report what it serves",
	Run: func(cmd *cobra.Command, args []string) {
		report, err := newStatusClient(statusTarget).Fetch()
		if err != nil {
			logrus.Fatalf("Router unreachable: %v", err)
		}
		fmt.Printf("status:    %s\n", report.Status)
		fmt.Printf("version:   %s\n", report.Version)
		fmt.Printf("strategy:  %s\n", report.Strategy)
		fmt.Printf("endpoints: %d\n", report.Endpoints)
		fmt.Printf("models:    %s\n", strings.Join(report.Models, ", "))
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusTarget, "target", "http://localhost:8080", "Base URL of the running router")
	rootCmd.AddCommand(statusCmd)
}
