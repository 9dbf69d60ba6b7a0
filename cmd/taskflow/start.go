package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dukex/taskflow/pkg/web"
	cli "github.com/urfave/cli/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var ErrWorkflowIDRequired = errors.New("workflow id is required")

func NewStartCommand() *cli.Command {
	return &cli.Command{
		Name:      "start",
		Usage:     "Start a workflow run on a running server",
		ArgsUsage: "<workflow-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "Base URL of the taskflow API",
				Value:   fmt.Sprintf("http://localhost:%d", defaultPort),
				Sources: cli.EnvVars("TASKFLOW_SERVER"),
			},
			&cli.StringFlag{
				Name:  "input",
				Usage: "Input payload as a JSON object",
			},
			&cli.StringFlag{
				Name:      "input-file",
				Usage:     "File holding the input payload as a JSON object",
				TakesFile: true,
			},
			&cli.StringFlag{
				Name:  "actor-id",
				Usage: "Who starts the run",
			},
			&cli.StringFlag{
				Name:  "actor-type",
				Usage: "Kind of actor starting the run",
				Value: "user",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Request timeout",
				Value: 30 * time.Second,
			},
		},
		Action: startRun,
	}
}

func startRun(ctx context.Context, command *cli.Command) error {
	workflowID := command.Args().First()
	if workflowID == "" {
		return ErrWorkflowIDRequired
	}

	input, err := readInput(command.String("input"), command.String("input-file"))
	if err != nil {
		return err
	}

	body, err := json.Marshal(web.StartRunRequest{
		InputPayload: input,
		ActorID:      command.String("actor-id"),
		ActorType:    command.String("actor-type"),
	})
	if err != nil {
		return err
	}

	url := command.String("server") + "/workflows/" + workflowID + "/runs"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   command.Duration("timeout"),
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", command.String("server"), err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("start %s failed with status %d: %s", workflowID, resp.StatusCode, bytes.TrimSpace(payload))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, payload, "", "  "); err != nil {
		pretty.Write(payload)
	}

	_, err = fmt.Fprintln(command.Root().Writer, pretty.String())

	return err
}

func readInput(inline, file string) (map[string]any, error) {
	raw := []byte(inline)

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}

		raw = data
	}

	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	input := map[string]any{}
	if err := json.Unmarshal(raw, &input); err != nil {
		return nil, fmt.Errorf("input must be a JSON object: %w", err)
	}

	return input, nil
}
