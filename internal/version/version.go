// Package version хранит сведения о сборке, заполняемые через -ldflags:
//
//	go build -ldflags "-X github.com/vladislavdragonenkov/marketplace/internal/version.version=1.2.0"
package version

import "fmt"

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Build описывает собранный бинарник.
type Build struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Get возвращает сведения о текущей сборке.
func Get() Build {
	return Build{Version: version, Commit: commit, Date: date}
}

// GetVersion возвращает только версию, её показывают health-ответы.
func GetVersion() string { return version }

func (b Build) String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", b.Version, b.Commit, b.Date)
}

// String — сведения о сборке одной строкой для стартового лога.
func String() string {
	return Get().String()
}
