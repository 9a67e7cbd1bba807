package ledger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/jmerrifield20/cdrledger/internal/atomicfile"
	"go.uber.org/zap"
)

// Deployer creates a new ledger and returns its address.
type Deployer interface {
	Deploy(ctx context.Context) (string, error)
}

// LoadOrDeploy returns the ledger address stored in the plain-text file at
// path. When the file is missing or empty it deploys a new ledger once and
// persists its address, so restarts reuse the same ledger instead of
// redeploying. The boolean result reports whether a deployment happened.
func LoadOrDeploy(ctx context.Context, path string, d Deployer, logger *zap.Logger) (string, bool, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if addr := strings.TrimSpace(string(data)); addr != "" {
			logger.Info("using existing ledger", zap.String("address", addr), zap.String("file", path))
			return addr, false, nil
		}
	case !errors.Is(err, os.ErrNotExist):
		return "", false, fmt.Errorf("read ledger address: %w", err)
	}

	addr, err := d.Deploy(ctx)
	if err != nil {
		return "", false, err
	}
	if err := atomicfile.WriteFile(path, []byte(addr+"\n"), 0o644); err != nil {
		return "", false, fmt.Errorf("persist ledger address: %w", err)
	}
	logger.Info("ledger deployed", zap.String("address", addr), zap.String("file", path))
	return addr, true, nil
}
