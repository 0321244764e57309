package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Rorqualx/imagegate/internal/app"
	"github.com/Rorqualx/imagegate/internal/types"
)

func newSolveCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "solve <host>",
		Short: "Solve the challenge for an allowlisted host and print the cookies",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := types.ResolveRequest{Host: args[0]}
			if err := req.Validate(); err != nil {
				return err
			}

			c, err := app.New(root.cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize: %w", err)
			}
			defer c.Close()

			res, err := c.Bypass.Resolve(cmd.Context(), req.Host)
			if err != nil {
				return err
			}

			sol := types.Solution{Host: res.Host, Token: res.Token, UserAgent: root.cfg.UserAgent}
			for _, ck := range res.Cookies {
				sol.Cookies = append(sol.Cookies, types.Cookie{
					Name:     ck.Name,
					Value:    ck.Value,
					Domain:   ck.Domain,
					Path:     ck.Path,
					HTTPOnly: ck.HttpOnly,
					Secure:   ck.Secure,
				})
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sol)
		},
	}
}
