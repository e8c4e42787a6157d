package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/yangwenmai/deckforge/internal/model"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderSlides(w io.Writer, states []model.DisplaySlideState) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"#", "Title", "Status", "Score", "Rewritten", "Image / Error"})
	for _, st := range states {
		score := ""
		if st.ValidationScore != nil {
			score = strconv.Itoa(*st.ValidationScore)
		}
		rewritten := ""
		if st.WasRewritten {
			rewritten = "yes"
		}
		detail := st.ImageURL
		if st.Error != "" {
			detail = st.Error
		}
		tw.AppendRow(table.Row{st.Index + 1, st.Title, st.StatusText, score, rewritten, detail})
	}
	tw.Render()
}

func renderRuns(w io.Writer, runs []model.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs.")
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Slides", "Succeeded", "Failed", "Created"})
	for _, r := range runs {
		tw.AppendRow(table.Row{r.ID, r.Title, r.Status, r.Total, r.Succeeded, r.Failed, r.CreatedAt})
	}
	tw.Render()
}

func renderRunSummary(w io.Writer, r *model.Run) {
	fmt.Fprintf(w, "Run %s  %q  %s  (%d/%d done, %d failed)\n", r.ID, r.Title, r.Status, r.Completed, r.Total, r.Failed)
	if r.ErrorInfo != nil {
		fmt.Fprintf(w, "Error: %s\n", *r.ErrorInfo)
	}
}
