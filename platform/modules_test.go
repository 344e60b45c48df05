// Copyright The framecap Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMaps = `00400000-00452000 r-xp 00000000 08:02 173521  /usr/bin/game
00651000-00652000 r--p 00051000 08:02 173521  /usr/bin/game
00652000-00655000 rw-p 00052000 08:02 173521  /usr/bin/game
7f2c7a000000-7f2c7a021000 rw-p 00000000 00:00 0
7f2c7a400000-7f2c7a5b0000 r-xp 00000000 08:02 400913  /usr/lib/libengine.so.2
7f2c7a5b0000-7f2c7a7b0000 ---p 001b0000 08:02 400913  /usr/lib/libengine.so.2
7fffa8c00000-7fffa8c21000 rw-p 00000000 00:00 0       [stack]
7fffa8dfe000-7fffa8e00000 r-xp 00000000 00:00 0       [vdso]
`

func TestParseMappings(t *testing.T) {
	modules := parseMappings(strings.NewReader(sampleMaps))
	require.Len(t, modules, 2)

	assert.Equal(t, Module{
		Base: 0x400000,
		Size: 0x52000,
		Path: "/usr/bin/game",
	}, modules[0])
	assert.Equal(t, Module{
		Base: 0x7f2c7a400000,
		Size: 0x1b0000,
		Path: "/usr/lib/libengine.so.2",
	}, modules[1])
}

func TestParseMappingsGarbage(t *testing.T) {
	tests := map[string]string{
		"empty":       "",
		"short line":  "00400000-00452000 r-xp\n",
		"bad address": "zzz-yyy r-xp 0 08:02 1 /usr/bin/game\n",
		"anonymous":   "00400000-00452000 r-xp 00000000 00:00 0\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Empty(t, parseMappings(strings.NewReader(input)))
		})
	}
}
