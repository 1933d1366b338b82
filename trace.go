// Copyright 2026 The Memory-Allocator Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package memory

// trace logs every public operation to stderr. The prints go through the
// Go runtime, never through this allocator.
const trace = false
