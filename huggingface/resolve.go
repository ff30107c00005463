// resolve.go - Aufloesen von Modellpfaden: lokales Verzeichnis oder Hub-ID
package huggingface

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/mtllama/modeldelta/envconfig"
)

// ResolveModelPath gibt ein lokales Verzeichnis fuer pathOrID zurueck. Existiert kein
// lokales Verzeichnis, wird pathOrID als Hub-ID behandelt und in den Cache geladen.
// Mit HF_HUB_OFFLINE wird nur der Cache verwendet.
func (c *Client) ResolveModelPath(ctx context.Context, pathOrID string, opts ...DownloadOption) (string, error) {
	if stat, err := os.Stat(pathOrID); err == nil {
		if !stat.IsDir() {
			return "", fmt.Errorf("%s: kein verzeichnis", pathOrID)
		}
		return pathOrID, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", err
	}

	if err := validateModelID(pathOrID); err != nil {
		return "", &HuggingFaceError{Op: "resolve", ModelID: pathOrID, Err: fmt.Errorf("%w: weder lokales verzeichnis noch hub-id", ErrModelNotFound)}
	}

	cfg := downloadConfig{revision: DefaultRevision}
	for _, opt := range opts {
		opt(&cfg)
	}

	if envconfig.Offline() {
		if dir, ok := GetCachedModelWithRevision(pathOrID, cfg.revision); ok {
			slog.Debug("using cached model", "model", pathOrID, "dir", dir)
			return dir, nil
		}
		return "", &HuggingFaceError{Op: "resolve", ModelID: pathOrID, Err: ErrModelNotInCache}
	}

	slog.Info("downloading model", "model", pathOrID, "revision", cfg.revision)
	result, err := c.DownloadModel(ctx, pathOrID, opts...)
	if err != nil {
		return "", err
	}

	return result.CachePath, nil
}
