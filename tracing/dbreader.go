package tracing

import (
	"context"

	"github.com/sarchlab/ahcisim/datarecording"
	"github.com/sarchlab/ahcisim/sim"
)

// LoadTasks reads back the tasks written by a DBTracer, ordered by start
// time, each with its steps in time order. An empty kind loads every task.
func LoadTasks(
	ctx context.Context,
	reader datarecording.DataReader,
	kind string,
) ([]Task, error) {
	reader.MapTable(TaskTable, taskTableEntry{})
	reader.MapTable(StepTable, stepTableEntry{})

	params := datarecording.QueryParams{OrderBy: "StartTime, ID"}
	if kind != "" {
		params.Where = "Kind = ?"
		params.Args = []any{kind}
	}

	rows, _, err := reader.Query(ctx, TaskTable, params)
	if err != nil {
		return nil, err
	}

	tasks := make([]Task, 0, len(rows))
	index := make(map[string]int, len(rows))

	for _, row := range rows {
		e := row.(*taskTableEntry)
		index[e.ID] = len(tasks)
		tasks = append(tasks, Task{
			ID:        e.ID,
			ParentID:  e.ParentID,
			Kind:      e.Kind,
			What:      e.What,
			Location:  e.Location,
			StartTime: sim.VTimeInSec(e.StartTime),
			EndTime:   sim.VTimeInSec(e.EndTime),
		})
	}

	steps, _, err := reader.Query(ctx, StepTable,
		datarecording.QueryParams{OrderBy: "Time"})
	if err != nil {
		return nil, err
	}

	for _, row := range steps {
		e := row.(*stepTableEntry)

		i, ok := index[e.TaskID]
		if !ok {
			continue
		}

		tasks[i].Steps = append(tasks[i].Steps, TaskStep{
			Time: sim.VTimeInSec(e.Time),
			What: e.What,
		})
	}

	return tasks, nil
}
