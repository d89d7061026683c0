package main

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"eggsync/internal/egg"

	"github.com/fatih/color"
	"golang.org/x/term"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	stdinFd     = int(os.Stdin.Fd())
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Fprintln(os.Stderr, msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

// promptSecret reads without echo on a terminal. Piped input falls back to
// a plain line read.
func promptSecret(label string) (string, error) {
	if !term.IsTerminal(stdinFd) {
		return promptRequired(label)
	}
	for {
		fmt.Printf("%s: ", label)
		raw, err := term.ReadPassword(stdinFd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		if text := strings.TrimSpace(string(raw)); text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func renderAccounts(w io.Writer, accounts []egg.Account) {
	accent.Fprintln(w, "\n== LINKED ACCOUNTS ==")
	if len(accounts) == 0 {
		printInfo("No accounts linked yet. Try `eggsync accounts add <external-id>`.")
		return
	}
	fmt.Fprintf(w, "%-36s %-20s %-5s %-20s %10s %8s %8s %-20s\n", "ID", "EXTERNAL ID", "", "NAME", "SE", "MER", "JER", "LAST FETCH")
	for _, a := range accounts {
		last := "never"
		if a.LastFetchedAt != nil {
			last = a.LastFetchedAt.UTC().Format("2006-01-02 15:04Z")
		}
		status := string(a.Status)
		if a.IsMain() {
			status = success.Sprint("Main")
		}
		fmt.Fprintf(w, "%-36s %-20s %-5s %-20s %10s %8s %8s %-20s\n",
			a.ID,
			truncate(a.ExternalID, 20),
			status,
			truncate(deref(a.DisplayName), 20),
			formatEggs(a.SoulEggs),
			formatMetric(a.MER),
			formatMetric(a.JER),
			last,
		)
	}
	fmt.Fprintln(w)
}

func renderResult(w io.Writer, res egg.Result, now time.Time) {
	title := "== SNAPSHOT (cached) =="
	if res.WasFetched {
		title = "== SNAPSHOT (fresh) =="
	}
	accent.Fprintln(w, "\n"+title)
	name := deref(res.DisplayName)
	if name == "" {
		name = res.ExternalID
	}
	fmt.Fprintf(w, "%-18s %s [%s]\n", "Account", name, res.Status)
	fmt.Fprintf(w, "%-18s %s\n", "Soul eggs", formatEggs(res.SoulEggs))
	fmt.Fprintf(w, "%-18s %s\n", "Eggs of prophecy", formatCount(res.EggsOfProphecy))
	fmt.Fprintf(w, "%-18s %s\n", "Truth eggs", formatCount(res.TruthEggs))
	fmt.Fprintf(w, "%-18s %s\n", "Golden eggs", formatCount(res.GoldenEggsBalance))
	fmt.Fprintf(w, "%-18s %s\n", "MER", formatMetric(res.MER))
	fmt.Fprintf(w, "%-18s %s\n", "JER", formatMetric(res.JER))
	fmt.Fprintf(w, "%-18s %s\n", "Earnings bonus", formatEggs(res.EB))
	fmt.Fprintf(w, "%-18s %s\n", "Last fetched", res.LastFetchedUtc.UTC().Format(time.RFC3339))
	if wait := res.NextAllowedFetchUtc.Sub(now); wait > 0 {
		fmt.Fprintf(w, "%-18s in %s\n", "Next fetch", wait.Round(time.Second))
	} else {
		fmt.Fprintf(w, "%-18s now\n", "Next fetch")
	}
	fmt.Fprintln(w)
}

var eggSuffixes = []string{"", "K", "M", "B", "T", "q", "Q", "s", "S", "o", "N", "d", "U", "D"}

// formatEggs prints large counts with the game's magnitude suffixes.
func formatEggs(v *float64) string {
	if v == nil {
		return "unknown"
	}
	x := *v
	if x == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return strconv.FormatFloat(x, 'f', 0, 64)
	}
	idx := 0
	for math.Abs(x) >= math.Pow(1000, float64(idx+1)) {
		idx++
	}
	if idx >= len(eggSuffixes) {
		return strconv.FormatFloat(x, 'e', 3, 64)
	}
	if idx == 0 {
		return strconv.FormatFloat(x, 'f', 0, 64)
	}
	return strconv.FormatFloat(x/math.Pow(1000, float64(idx)), 'f', 3, 64) + eggSuffixes[idx]
}

func formatMetric(v *float64) string {
	if v == nil {
		return "unknown"
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

func formatCount(v *int64) string {
	if v == nil {
		return "unknown"
	}
	return comma(*v)
}

func comma(v int64) string {
	if v < 0 {
		return "-" + comma(-v)
	}
	s := strconv.FormatInt(v, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
		b.WriteByte(',')
	}
	for i := pre; i < len(s); i += 3 {
		b.WriteString(s[i : i+3])
		if i+3 < len(s) {
			b.WriteByte(',')
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
