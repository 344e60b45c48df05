// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

package platform // import "github.com/framecap/framecap/platform"

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/framecap/framecap/stringutil"
)

// Module is one executable file mapping of the instrumented process.
type Module struct {
	Base uint64
	Size uint64
	Path string
}

// Modules enumerates the process's executable file mappings via procfs.
// On platforms without procfs it returns nil; callers fall back to the
// executable path alone.
func Modules() []Module {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil
	}
	defer f.Close()
	return parseMappings(f)
}

// parseMappings reads a /proc/pid/maps stream and returns the first
// executable mapping of each file-backed region.
func parseMappings(r io.Reader) []Module {
	var modules []Module
	seen := make(map[string]struct{})

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		// Avoid heap allocation by not using scanner.Text().
		// NOTE: The underlying bytes will change with the next call to scanner.Scan(),
		// so make sure to not keep any references after the end of the loop iteration.
		line := stringutil.ByteSlice2String(scanner.Bytes())

		// Avoid heap allocations here - do not use strings.FieldsN()
		var fields [6]string
		nFields := stringutil.FieldsN(line, fields[:])
		if nFields < 6 {
			continue
		}
		perms, path := fields[1], fields[5]
		if len(perms) < 3 || perms[2] != 'x' || !strings.HasPrefix(path, "/") {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}

		addrs := strings.SplitN(fields[0], "-", 2)
		if len(addrs) != 2 {
			continue
		}
		start, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			continue
		}
		end, err := strconv.ParseUint(addrs[1], 16, 64)
		if err != nil || end < start {
			continue
		}

		seen[path] = struct{}{}
		modules = append(modules, Module{
			Base: start,
			Size: end - start,
			Path: strings.Clone(path),
		})
	}
	return modules
}
