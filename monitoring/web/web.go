// Package web holds the page served by the monitoring server.
package web

import (
	"embed"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"k8s.io/klog/v2"
)

// DevModeEnv names the variable that makes GetAssets serve the files from the
// source tree, so the page can be edited without rebuilding.
const DevModeEnv = "AHCISIM_MONITOR_DEV"

//go:embed dist/*
var staticAssets embed.FS

// GetAssets returns the file system of the monitoring page.
func GetAssets() http.FileSystem {
	if devMode() {
		_, file, _, ok := runtime.Caller(0)
		if !ok {
			panic("cannot locate the monitoring assets")
		}

		dir := filepath.Join(filepath.Dir(file), "dist")
		klog.InfoS("serving monitoring assets from disk", "dir", dir)

		return http.Dir(dir)
	}

	sub, err := fs.Sub(staticAssets, "dist")
	if err != nil {
		panic(err)
	}

	return http.FS(sub)
}

func devMode() bool {
	on, err := strconv.ParseBool(os.Getenv(DevModeEnv))
	return err == nil && on
}
