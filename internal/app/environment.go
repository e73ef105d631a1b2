// Copyright 2025 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package app

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/novatechflow/kafshard/pkg/config"
)

// minOpenFiles is the file descriptor limit a production node needs.
const minOpenFiles = 10000

// checkEnvironment verifies the host can run the node. Developer mode turns
// resource checks into warnings.
func checkEnvironment(cfg config.Config, logger *slog.Logger) error {
	if err := probeDataDirectory(cfg.DataDirectory); err != nil {
		return err
	}
	var limit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &limit); err != nil {
		return fmt.Errorf("read open file limit: %w", err)
	}
	if limit.Cur < minOpenFiles {
		if !cfg.DeveloperMode {
			return fmt.Errorf("open file limit %d is below %d", limit.Cur, minOpenFiles)
		}
		logger.Warn("open file limit below production minimum", "limit", limit.Cur, "minimum", minOpenFiles)
	}
	if cores := runtime.NumCPU(); cfg.Shards > cores {
		if !cfg.DeveloperMode {
			return fmt.Errorf("%d shards requested but only %d cores available", cfg.Shards, cores)
		}
		logger.Warn("more shards than cores", "shards", cfg.Shards, "cores", cores)
	}
	return nil
}

func probeDataDirectory(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	probe, err := os.CreateTemp(dir, ".kafshard-probe-*")
	if err != nil {
		return fmt.Errorf("data directory %s not writable: %w", dir, err)
	}
	name := probe.Name()
	_, werr := probe.Write([]byte("probe"))
	cerr := probe.Close()
	rerr := os.Remove(name)
	if err := errors.Join(werr, cerr, rerr); err != nil {
		return fmt.Errorf("data directory %s not writable: %w", dir, err)
	}
	return nil
}

// writePidfile records the process id at path. It fails if another live
// process already owns the file.
func writePidfile(path string) error {
	if data, err := os.ReadFile(path); err == nil {
		if pid, err := strconv.Atoi(string(data)); err == nil && pid != os.Getpid() && processAlive(pid) {
			return fmt.Errorf("pidfile %s held by running process %d", path, pid)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create pidfile dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("write pidfile: %w", err)
	}
	return nil
}

func processAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
