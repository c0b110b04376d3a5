// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/cimcap/pkg/ux"
	"github.com/AleutianAI/cimcap/services/ingestor/barrier"
	"github.com/AleutianAI/cimcap/services/ingestor/channel"
	"github.com/AleutianAI/cimcap/services/ingestor/handlers"
	"github.com/AleutianAI/cimcap/services/ingestor/storage"
)

// =============================================================================
// Client
// =============================================================================

// batchClient talks to the batch routes of a running server.
type batchClient struct {
	baseURL string
	http    *http.Client
}

func newBatchClient(baseURL string) *batchClient {
	return &batchClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError is a non-2xx response.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// do sends body (if non-nil) as JSON and decodes a 2xx response into out.
// The raw response body is returned for --json output.
func (c *batchClient) do(ctx context.Context, method, path string, body, out any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e handlers.ErrorResponse
		_ = json.Unmarshal(raw, &e)
		return raw, &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(e.Error)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return raw, fmt.Errorf("decode response: %w", err)
		}
	}
	return raw, nil
}

func (c *batchClient) Status(ctx context.Context) (handlers.BatchStatusResponse, []byte, error) {
	var st handlers.BatchStatusResponse
	raw, err := c.do(ctx, http.MethodGet, "/v1/batch", nil, &st)
	return st, raw, err
}

func (c *batchClient) Recover(ctx context.Context, mode barrier.RecoverMode) (handlers.BatchStatusResponse, []byte, error) {
	var st handlers.BatchStatusResponse
	raw, err := c.do(ctx, http.MethodPost, "/v1/batch/recover", handlers.RecoverRequest{Mode: mode.String()}, &st)
	return st, raw, err
}

func (c *batchClient) Latest(ctx context.Context) (storage.Manifest, []byte, error) {
	var m storage.Manifest
	raw, err := c.do(ctx, http.MethodGet, "/v1/batch/latest", nil, &m)
	return m, raw, err
}

// =============================================================================
// Commands
// =============================================================================

func runStatus(cmd *cobra.Command, args []string) error {
	st, raw, err := newBatchClient(serverURL).Status(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		_, err := cmd.OutOrStdout().Write(append(raw, '\n'))
		return err
	}
	printStatus(ux.NewPrinter(cmd.OutOrStdout()), st)
	return nil
}

func runRecover(cmd *cobra.Command, args []string) error {
	mode, err := barrier.ParseRecoverMode(recoverMode)
	if err != nil {
		return err
	}
	st, raw, err := newBatchClient(serverURL).Recover(cmd.Context(), mode)
	if err != nil {
		return err
	}
	if jsonOutput {
		_, err := cmd.OutOrStdout().Write(append(raw, '\n'))
		return err
	}
	p := ux.NewPrinter(cmd.OutOrStdout())
	p.Success(fmt.Sprintf("recovered with %s", mode))
	printStatus(p, st)
	return nil
}

func runLatest(cmd *cobra.Command, args []string) error {
	m, raw, err := newBatchClient(serverURL).Latest(cmd.Context())
	if err != nil {
		return err
	}
	if jsonOutput {
		_, err := cmd.OutOrStdout().Write(append(raw, '\n'))
		return err
	}

	fields := []ux.Field{
		{Label: "batch", Value: m.BatchID},
		{Label: "saved", Value: m.PersistedAt.Format(time.RFC3339)},
	}
	for _, k := range channel.Kinds() {
		fields = append(fields, ux.Field{Label: k.String(), Value: fmt.Sprintf("%d entities", m.Counts[k.String()])})
	}
	ux.NewPrinter(cmd.OutOrStdout()).Card("Latest batch", fields)
	return nil
}

func printStatus(p *ux.Printer, st handlers.BatchStatusResponse) {
	phaseIcon := ux.IconPending
	switch st.Phase {
	case barrier.PhaseFailed:
		phaseIcon = ux.IconError
	case barrier.PhaseAwaitingPersist:
		phaseIcon = ux.IconWarning
	}
	fields := []ux.Field{
		{Label: "batch", Value: st.BatchID},
		{Label: "phase", Value: st.Phase.String(), Icon: phaseIcon},
	}
	if st.Error != "" {
		fields = append(fields, ux.Field{Label: "error", Value: st.Error, Icon: ux.IconError})
	}
	for _, k := range channel.Kinds() {
		f := ux.Field{Label: k.String(), Value: "waiting", Icon: ux.IconPending}
		if st.Completed[k.String()] {
			f.Value, f.Icon = "done", ux.IconSuccess
		}
		fields = append(fields, f)
	}
	p.Card("Open batch", fields)
}
