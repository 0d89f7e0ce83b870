package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/felipepmaragno/llm-orchestrator/internal/domain"
)

func newGenerateCmd(configPath *string) *cobra.Command {
	var (
		system      string
		providerID  string
		model       string
		maxTokens   int
		temperature float64
		stream      bool
	)

	cmd := &cobra.Command{
		Use:   "generate [prompt]",
		Short: "Send one prompt and print the completion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if cfg.RequestTimeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, cfg.RequestTimeout)
				defer cancel()
			}

			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			req := domain.Request{Model: model}
			if system != "" {
				req.Messages = append(req.Messages, domain.Message{Role: domain.RoleSystem, Content: system})
			}
			req.Messages = append(req.Messages, domain.Message{Role: domain.RoleUser, Content: strings.Join(args, " ")})
			if cmd.Flags().Changed("max-tokens") {
				req.MaxTokens = &maxTokens
			}
			if cmd.Flags().Changed("temperature") {
				req.Temperature = &temperature
			}

			out := cmd.OutOrStdout()
			hint := domain.ProviderID(providerID)

			if stream {
				s, err := a.orch.StreamRequest(ctx, req, hint)
				if err != nil {
					return err
				}
				defer s.Close()
				for chunk := range s.Chunks() {
					fmt.Fprint(out, chunk.Content)
				}
				fmt.Fprintln(out)
				return s.Err()
			}

			resp, err := a.orch.SendRequest(ctx, req, hint)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, resp.Content)

			m := a.orch.Metrics()
			fmt.Fprintf(cmd.ErrOrStderr(), "provider=%s model=%s tokens=%d cost_usd=%.6f cached=%t\n",
				resp.Provider, resp.Model, resp.Usage.TotalTokens, m.TotalCostUSD, resp.Cached)
			return nil
		},
	}

	cmd.Flags().StringVar(&system, "system", "", "system message")
	cmd.Flags().StringVarP(&providerID, "provider", "p", "", "preferred provider (enables fallback)")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model name (defaults to the provider's)")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "maximum completion tokens")
	cmd.Flags().Float64Var(&temperature, "temperature", 0, "sampling temperature")
	cmd.Flags().BoolVarP(&stream, "stream", "s", false, "stream the completion")
	return cmd
}
