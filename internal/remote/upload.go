package remote

import (
	"context"
	"fmt"

	"github.com/moby/go-archive"
)

// Upload stages the local directory tree at localDir into remoteDir on the
// machine. The tree is tarred locally and unpacked by a single remote
// command, so a failure on either side aborts the whole transfer.
func (c *Client) Upload(ctx context.Context, localDir, remoteDir string) error {
	tarStream, err := archive.TarWithOptions(localDir, &archive.TarOptions{
		Compression: archive.Gzip,
	})
	if err != nil {
		return fmt.Errorf("failed to tar build context %s: %w", localDir, err)
	}
	defer tarStream.Close()

	c.logger.Info("uploading build context", "local_dir", localDir, "remote_dir", remoteDir)

	cmd := fmt.Sprintf("mkdir -p %s && tar -xzf - -C %s", remoteDir, remoteDir)
	if err := c.ExecuteStdin(ctx, cmd, tarStream); err != nil {
		return fmt.Errorf("failed to upload %s to %s: %w", localDir, remoteDir, err)
	}
	return nil
}
