// SPDX-FileCopyrightText: 2026 Tillitis AB <tillitis.se>
// SPDX-License-Identifier: BSD-2-Clause

package util

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/term"
)

// Progress prints how far an exchange has come. On a terminal the
// line is redrawn, otherwise only the end is printed.
type Progress struct {
	out   io.Writer
	tty   bool
	label string
	last  int
}

func NewProgress(out *os.File, label string) *Progress {
	return &Progress{
		out:   out,
		tty:   term.IsTerminal(int(out.Fd())),
		label: label,
		last:  -1,
	}
}

func (p *Progress) Update(percent int) {
	if percent == p.last {
		return
	}
	p.last = percent

	switch {
	case p.tty:
		fmt.Fprintf(p.out, "\r%s: %3d%%", p.label, percent)
		if percent >= 100 {
			fmt.Fprintf(p.out, "\n")
		}
	case percent >= 100:
		fmt.Fprintf(p.out, "%s: done\n", p.label)
	}
}
