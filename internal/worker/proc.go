// Copyright 2025 Tom Barlow
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

package worker

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// childrenOf lists the direct child pids of pid by scanning /proc.
// Flow tools may fork their own subprocesses; those must die before
// the worker itself so nothing is reparented and leaked.
func childrenOf(pid int) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}
	var children []int
	for _, e := range entries {
		childPID, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if parentOf(childPID) == pid {
			children = append(children, childPID)
		}
	}
	return children
}

// parentOf reads the ppid from /proc/{pid}/stat. The comm field is
// parenthesized and may contain spaces, so fields are counted from the
// closing paren.
func parentOf(pid int) int {
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return -1
	}
	s := string(data)
	close := strings.LastIndex(s, ")")
	if close < 0 {
		return -1
	}
	fields := strings.Fields(s[close+1:])
	if len(fields) < 2 {
		return -1
	}
	ppid, err := strconv.Atoi(fields[1])
	if err != nil {
		return -1
	}
	return ppid
}

// terminateTree kills pid's descendants depth-first, then pid itself.
func terminateTree(pid int) {
	for _, child := range childrenOf(pid) {
		terminateTree(child)
	}
	syscall.Kill(pid, syscall.SIGKILL)
}

// signalProcess sends sig to pid, ignoring already-gone processes.
func signalProcess(pid int, sig syscall.Signal) error {
	err := syscall.Kill(pid, sig)
	if err == syscall.ESRCH {
		return nil
	}
	return err
}
