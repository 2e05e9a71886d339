// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

package util

import (
	"fmt"
	"os"

	"github.com/gen2brain/beeep"
)

// Notify shows msg as a desktop notification titled progname.
func Notify(progname, msg string) {
	if err := beeep.Notify(progname, msg, ""); err != nil {
		fmt.Fprintf(os.Stderr, "Notify message %q failed: %s\n", msg, err)
	}
}
