package transfer

import (
	"context"

	"github.com/pkg/browser"
)

// openInBrowser hands the URL to the platform's default browser. The
// browser outlives the process, so ctx only gates the handoff itself.
func openInBrowser(ctx context.Context, rawURL string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return browser.OpenURL(rawURL)
}
