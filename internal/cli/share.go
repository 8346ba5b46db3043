package cli

import (
	"context"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"
)

func newShareCommand(opts *RootOptions) *cobra.Command {
	var pngPath string
	cmd := &cobra.Command{
		Use:   "share <channel-id>",
		Short: "Show a QR code with the join link of a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProfile(cmd, opts, func(ctx context.Context, e *env) error {
				if _, err := e.reg.Channel(ctx, args[0]); err != nil {
					return err
				}
				link := joinLink(e.cfg.Server.ShareBaseURL, args[0])
				qr, err := qrcode.New(link, qrcode.Low)
				if err != nil {
					return fmt.Errorf("encode qr: %w", err)
				}
				if pngPath != "" {
					if err := qr.WriteFile(256, pngPath); err != nil {
						return err
					}
				}
				if e.out.json() {
					return e.out.emitJSON(map[string]string{"id": args[0], "link": link, "png": pngPath})
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s", link, qr.ToSmallString(false))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&pngPath, "png", "", "also write the QR code as a PNG file")
	return cmd
}

func joinLink(base, id string) string {
	if base == "" {
		return id
	}
	if base[len(base)-1] != '/' {
		base += "/"
	}
	return base + id
}

