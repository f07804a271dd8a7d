// Copyright 2025 The CloudFS Authors. All Rights Reserved.
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

// Package dashboard is an optional live terminal view of a running host:
// per-segment obsolescence, replica lag, and GC activity. It imports only
// the core's public observation hooks, the same way the teacher's hammer
// load generator renders its own status view against a running log rather
// than being part of the log itself.
package dashboard

import (
	"context"
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"k8s.io/klog/v2"
)

// Snapshot is the state the dashboard polls once per refresh tick.
type Snapshot struct {
	SegmentsTotal      int
	SegmentsReclaiming []uint64
	ReplicaLagLSN      map[string]uint64
	ChosenGeneration   uint64
}

// Source supplies the dashboard with a fresh Snapshot on demand.
type Source interface {
	Snapshot(ctx context.Context) Snapshot
}

// Run starts the dashboard's full-screen application and blocks until the
// user quits (q) or ctx is cancelled.
func Run(ctx context.Context, src Source, refresh time.Duration) error {
	grid := tview.NewGrid()
	grid.SetRows(7, 0).SetColumns(0).SetBorders(true)

	statusView := tview.NewTextView()
	grid.AddItem(statusView, 0, 0, 1, 1, 0, 0, false)

	logView := tview.NewTextView()
	logView.ScrollToEnd()
	logView.SetMaxLines(5000)
	grid.AddItem(logView, 1, 0, 1, 1, 0, 0, false)
	klog.SetOutput(logView)

	app := tview.NewApplication()
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ctx.Done():
				app.Stop()
				return
			case <-ticker.C:
				s := src.Snapshot(ctx)
				statusView.SetText(renderStatus(s))
				app.Draw()
			}
		}
	}()

	app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Rune() == 'q' {
			app.Stop()
			return nil
		}
		return event
	})

	return app.SetRoot(grid, true).Run()
}

func renderStatus(s Snapshot) string {
	lag := ""
	for peer, l := range s.ReplicaLagLSN {
		lag += fmt.Sprintf(" %s=%d", peer, l)
	}
	return fmt.Sprintf(
		"Segments: %d total, %d reclaiming\nReplica lag (LSN):%s\nLast checkpointed generation: %d\nPress q to quit",
		s.SegmentsTotal, len(s.SegmentsReclaiming), lag, s.ChosenGeneration)
}
