package core

import (
	"context"
	"fmt"
	"sort"

	"github.com/orrn/printfleet/internal/db"
	"github.com/orrn/printfleet/internal/material"
)

// QueueTime estimates, in minutes, how long until every queued job could be
// finished. Each queued job, oldest id first, is assigned to the compatible
// device with the least work so far; the answer is the busiest device's
// total. Jobs no device can print are ignored.
func QueueTime(ctx context.Context, repo Repository) (int, error) {
	devices, err := repo.Devices.List(ctx)
	if err != nil {
		return 0, err
	}

	var queued []*db.Job
	for offset := 0; ; offset += 100 {
		page, err := repo.Jobs.ListQueued(ctx, 100, offset)
		if err != nil {
			return 0, err
		}
		queued = append(queued, page...)
		if len(page) < 100 {
			break
		}
	}
	sort.Slice(queued, func(i, j int) bool { return queued[i].ID < queued[j].ID })

	load := make([]int, len(devices))
	for i, d := range devices {
		load[i] = d.PrinterStatus.TimeRemaining
	}

	projects := make(map[int64]*db.Project)
	for _, job := range queued {
		project, ok := projects[job.ProjectID]
		if !ok {
			project, err = repo.Projects.Get(ctx, job.ProjectID)
			if err != nil {
				return 0, fmt.Errorf("failed to load project of job %d: %w", job.ID, err)
			}
			projects[job.ProjectID] = project
		}

		best := -1
		for i, d := range devices {
			if !material.CompatibleList(d.Materials, project.Materials) {
				continue
			}
			if best < 0 || load[i] < load[best] {
				best = i
			}
		}
		if best >= 0 {
			load[best] += int((project.PrintTime + 59) / 60)
		}
	}

	total := 0
	for _, l := range load {
		if l > total {
			total = l
		}
	}
	return total, nil
}
