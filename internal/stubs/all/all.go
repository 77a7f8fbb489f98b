// Package all imports all stub packages to ensure they register via init().
//
//	import _ "github.com/zboralski/dalvik/internal/stubs/all"
package all

import (
	_ "github.com/zboralski/dalvik/internal/stubs/android"
	_ "github.com/zboralski/dalvik/internal/stubs/libc"
	_ "github.com/zboralski/dalvik/internal/stubs/pthread"
)
