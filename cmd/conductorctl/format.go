package main

import (
	"encoding/json"
	"fmt"
	"io"
)

func PrintJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printRun(out io.Writer, r *Run) {
	fmt.Fprintf(out, "run_id:     %s\n", r.RunID)
	fmt.Fprintf(out, "project_id: %s\n", r.ProjectID)
	fmt.Fprintf(out, "repo_id:    %s\n", r.RepoID)
	fmt.Fprintf(out, "task_id:    %s\n", r.TaskID)
	fmt.Fprintf(out, "phase:      %s\n", r.Phase)
	fmt.Fprintf(out, "step:       %s\n", r.Step)
	if r.Result != "" {
		fmt.Fprintf(out, "result:     %s\n", r.Result)
	}
}
