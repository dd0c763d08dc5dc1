package view

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
)

// Render draws l as plain text
func Render(w io.Writer, l Layout) error {
	if l.Mode == Waiting {
		_, err := fmt.Fprintln(w, l.Message)
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Ward:\t%s\n", l.WardName)
	fmt.Fprintf(tw, "Session:\t%s\n", l.SessionID)
	fmt.Fprintf(tw, "Viewing as:\t%s (%s)\n", l.RoleLabel, l.Viewer.Name)
	timerLine := fmt.Sprintf("%s %s", l.Timer.Label, l.Timer.DisplayTime)
	if l.Timer.IsUrgent {
		timerLine += " !"
	}
	fmt.Fprintf(tw, "Timer:\t%s\n", strings.TrimSpace(timerLine))
	if l.CanEnd {
		fmt.Fprintf(tw, "\t[end session available]\n")
	}
	fmt.Fprintln(tw)

	switch l.Mode {
	case FacultyWide:
		for _, z := range l.Zones {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", z.Name, z.Staff, z.BedsLabel)
			for _, p := range z.Patients {
				fmt.Fprintf(tw, "  %s\t%s\t%s\n", bedLabel(p.Bed), p.Name, ageLabel(p.Age))
			}
			for i := 0; i < z.EmptyBeds; i++ {
				fmt.Fprintf(tw, "  -\t%s\t\n", emptyBedPlacehold)
			}
		}
	case SingleZone:
		fmt.Fprintf(tw, "%s\n", l.Viewer.Name)
		if l.EmptyMessage != "" {
			fmt.Fprintf(tw, "  %s\n", l.EmptyMessage)
		}
		for _, p := range l.Patients {
			fmt.Fprintf(tw, "  %s\t%s\t%s\n", bedLabel(p.Bed), p.Name, ageLabel(p.Age))
		}
	}
	return tw.Flush()
}

func bedLabel(bed string) string {
	if bed == "" {
		return "-"
	}
	return "bed " + bed
}

func ageLabel(age string) string {
	if age == "" {
		return ""
	}
	return "age " + age
}
