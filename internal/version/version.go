// Package version carries build metadata set with -ldflags, e.g.
// -X github.com/aitachi/envom/internal/version.Version=v0.3.0
package version

import (
	"fmt"

	"go.uber.org/zap"
)

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

func Get() Info {
	return Info{
		Version: Version,
		Commit:  Commit,
		Date:    Date,
	}
}

func (i Info) String() string {
	return fmt.Sprintf("envom %s (commit: %s, built: %s)", i.Version, i.Commit, i.Date)
}

// Fields returns the build metadata as log fields.
func (i Info) Fields() []zap.Field {
	return []zap.Field{
		zap.String("version", i.Version),
		zap.String("commit", i.Commit),
		zap.String("built", i.Date),
	}
}
