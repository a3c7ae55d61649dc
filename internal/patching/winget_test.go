package patching

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"reflect"
	"strings"
	"testing"

	"github.com/breeze-rmm/provision/internal/executor"
)

// mockExec returns a RunFunc that returns the given output and exit code.
func mockExec(output string, exitCode int, err error) RunFunc {
	return func(ctx context.Context, path string, args ...string) (executor.InvocationResult, error) {
		return executor.InvocationResult{ExitCode: exitCode, Output: output}, err
	}
}

// recordingExec captures the argument vector of every call.
type recordingExec struct {
	calls [][]string
	res   executor.InvocationResult
}

func (r *recordingExec) Run(_ context.Context, path string, args ...string) (executor.InvocationResult, error) {
	r.calls = append(r.calls, append([]string{path}, args...))
	return r.res, nil
}

const upgradeOutput = `Name                         Id                          Version      Available    Source
-----------------------------------------------------------------------------------------------
Mozilla Firefox              Mozilla.Firefox             128.0        129.0.1      winget
Google Chrome                Google.Chrome               126.0.6478   127.0.6533   winget
7-Zip                        7zip.7zip                   23.01        24.07        winget
3 upgrades available.
`

// --- Parsing ---

func TestParseUpgradeOutput(t *testing.T) {
	records := ParseUpgradeOutput(upgradeOutput)

	want := []UpdateRecord{
		{Name: "Mozilla Firefox", ID: "Mozilla.Firefox", CurrentVersion: "128.0", AvailableVersion: "129.0.1", Source: "winget"},
		{Name: "Google Chrome", ID: "Google.Chrome", CurrentVersion: "126.0.6478", AvailableVersion: "127.0.6533", Source: "winget"},
		{Name: "7-Zip", ID: "7zip.7zip", CurrentVersion: "23.01", AvailableVersion: "24.07", Source: "winget"},
	}
	if !reflect.DeepEqual(records, want) {
		t.Fatalf("records =\n%+v\nwant\n%+v", records, want)
	}
}

func TestParseKValidRowsInOrder(t *testing.T) {
	for _, k := range []int{0, 1, 5, 40} {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			var b strings.Builder
			b.WriteString("Name    Id    Version    Available\n")
			b.WriteString("-----------------------------------\n")
			for i := 0; i < k; i++ {
				fmt.Fprintf(&b, "Package %d    Vendor.Pkg%d    1.%d    2.%d\n", i, i, i, i)
			}
			fmt.Fprintf(&b, "%d upgrades available.\n", k)

			records := ParseUpgradeOutput(b.String())
			if len(records) != k {
				t.Fatalf("got %d records, want %d", len(records), k)
			}
			for i, rec := range records {
				if rec.ID != fmt.Sprintf("Vendor.Pkg%d", i) {
					t.Fatalf("record %d has ID %q, order not preserved", i, rec.ID)
				}
				if rec.Source != "" {
					t.Fatalf("record %d Source = %q, want empty", i, rec.Source)
				}
			}
		})
	}
}

func TestParseZeroDataRowsIsEmptyNotError(t *testing.T) {
	output := "Name   Id   Version   Available   Source\n-----------------------------------------\n0 upgrades available.\n"
	if records := ParseUpgradeOutput(output); len(records) != 0 {
		t.Fatalf("expected no records, got %+v", records)
	}
	if records := ParseUpgradeOutput(""); len(records) != 0 {
		t.Fatalf("expected no records for empty input, got %+v", records)
	}
}

func TestParseStopsAtSummaryLine(t *testing.T) {
	output := upgradeOutput + `
Name          Id              Version   Available
--------------------------------------------------
Pinned App    Vendor.Pinned   1.0       2.0
`
	if records := ParseUpgradeOutput(output); len(records) != 3 {
		t.Fatalf("expected parsing to stop at the summary line, got %d records", len(records))
	}
}

func TestParseSingularSummaryCaseInsensitive(t *testing.T) {
	output := "Name  Id  Version  Available\n------------------------------\nFoo App    Foo.Id    1.0    2.0\n1 Upgrade Available.\nBar App    Bar.Id    1.0    2.0\n"
	records := ParseUpgradeOutput(output)
	if len(records) != 1 || records[0].ID != "Foo.Id" {
		t.Fatalf("records = %+v", records)
	}
}

func TestParseStripsProgressSpinner(t *testing.T) {
	output := "\r   - \r   \\ \r   | \rName   Id   Version   Available   Source\r\n" +
		"\r  ██████▒▒▒▒  1.00 MB / 2.00 MB\r---------------------------------------------\r\n" +
		"Foo App    Foo.Id    1.0    2.0    winget\r\n" +
		"1 upgrades available.\r\n"

	records := ParseUpgradeOutput(output)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %+v", records)
	}
	if records[0].Source != "winget" {
		t.Fatalf("Source = %q, CRLF not handled", records[0].Source)
	}
}

func TestParseReportKeepsRejectedRows(t *testing.T) {
	output := `Name          Id               Version   Available
---------------------------------------------------
Good App      Good.App         1.0       1.1
too few       fields
Bad App       1.0              1.1
Other App     Other.App        2.0       2.1
2 upgrades available.
`
	report := ParseUpgradeReport(output)
	if !report.TableFound {
		t.Fatal("TableFound should be true")
	}
	if len(report.Records) != 2 || report.Records[0].ID != "Good.App" || report.Records[1].ID != "Other.App" {
		t.Fatalf("records = %+v", report.Records)
	}
	if len(report.Rejected) != 2 {
		t.Fatalf("rejected = %q, want 2 rows", report.Rejected)
	}
}

func TestParseNameWithSingleSpaces(t *testing.T) {
	output := "Name  Id  Version  Available\n------------------------------\nMicrosoft Visual C++ 2015-2022 Redistributable (x64)  Microsoft.VCRedist.2015.x64  14.38.33130.0  14.40.33810.0  winget\n"
	records := ParseUpgradeOutput(output)
	if len(records) != 1 || records[0].Name != "Microsoft Visual C++ 2015-2022 Redistributable (x64)" {
		t.Fatalf("records = %+v", records)
	}
}

func TestParseKeepsIDsWithPunctuation(t *testing.T) {
	output := `Name                                   Id                            Version        Available      Source
-----------------------------------------------------------------------------------------------------------
Microsoft Visual C++ 2015-2022 Redist  Microsoft.VCRedist.2015+.x64  14.38.33130.0  14.40.33810.0  winget
Foo App                                Foo.Id                        1.0            1.1            winget
2 upgrades available.
`
	report := ParseUpgradeReport(output)
	if len(report.Rejected) != 0 {
		t.Fatalf("rejected = %q", report.Rejected)
	}
	if len(report.Records) != 2 {
		t.Fatalf("expected 2 records, got %+v", report.Records)
	}
	if report.Records[0].ID != "Microsoft.VCRedist.2015+.x64" || report.Records[1].ID != "Foo.Id" {
		t.Fatalf("records = %+v", report.Records)
	}
}

func TestIsSeparatorLine(t *testing.T) {
	tests := []struct {
		line string
		want bool
	}{
		{"----------", true},
		{"  ----- -----  ", true},
		{"-----", false},
		{"---------x", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isSeparatorLine(tt.line); got != tt.want {
			t.Errorf("isSeparatorLine(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

// --- Provider ---

func TestWingetScanArguments(t *testing.T) {
	rec := &recordingExec{res: executor.InvocationResult{Output: upgradeOutput}}
	provider := NewWingetProvider(`C:\winget.exe`, rec, nil, nil)

	report, err := provider.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(report.Records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(report.Records))
	}
	want := []string{`C:\winget.exe`, "upgrade", "--include-unknown", "--accept-source-agreements"}
	if !reflect.DeepEqual(rec.calls[0], want) {
		t.Fatalf("args = %q, want %q", rec.calls[0], want)
	}
}

func TestWingetScanExecutionErrorPassesThrough(t *testing.T) {
	execErr := &executor.ExecutionError{Path: "winget", Err: exec.ErrNotFound}
	provider := NewWingetProvider("winget", mockExec("", -1, execErr), nil, nil)

	_, err := provider.Scan(context.Background())
	var got *executor.ExecutionError
	if !errors.As(err, &got) {
		t.Fatalf("expected *executor.ExecutionError, got %v", err)
	}
}

func TestWingetScanFailureWithoutTable(t *testing.T) {
	provider := NewWingetProvider("winget", mockExec("Failed in attempting to update the source: winget", ExitInternalError, nil), nil, nil)

	_, err := provider.Scan(context.Background())
	if err == nil {
		t.Fatal("expected error when winget fails without a table")
	}
	if !strings.Contains(err.Error(), "APPINSTALLER_CLI_ERROR_INTERNAL_ERROR") {
		t.Fatalf("error should name the exit code: %v", err)
	}
}

func TestWingetScanNoInstalledPackage(t *testing.T) {
	provider := NewWingetProvider("winget", mockExec("No installed package found matching input criteria.\n", ExitNoApplicationsFound, nil), nil, nil)

	report, err := provider.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(report.Records) != 0 {
		t.Fatalf("expected no records, got %d", len(report.Records))
	}
}

func TestWingetApplyArguments(t *testing.T) {
	scan := &recordingExec{}
	apply := &recordingExec{}
	provider := NewWingetProvider("winget", scan, apply, []string{"--force"})

	if _, err := provider.Apply(context.Background(), "Mozilla.Firefox"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := []string{"winget", "upgrade", "--id", "Mozilla.Firefox", "--silent",
		"--accept-package-agreements", "--accept-source-agreements", "--force"}
	if len(scan.calls) != 0 {
		t.Fatal("Apply must use the apply runner")
	}
	if !reflect.DeepEqual(apply.calls[0], want) {
		t.Fatalf("args = %q, want %q", apply.calls[0], want)
	}
}

func TestWingetInstallArguments(t *testing.T) {
	rec := &recordingExec{}
	provider := NewWingetProvider("winget", rec, nil, []string{"--force"})

	if _, err := provider.Install(context.Background(), "Microsoft.PowerShell"); err != nil {
		t.Fatalf("Install: %v", err)
	}
	want := []string{"winget", "install", "--id", "Microsoft.PowerShell", "--exact", "--silent",
		"--accept-package-agreements", "--accept-source-agreements"}
	if !reflect.DeepEqual(rec.calls[0], want) {
		t.Fatalf("args = %q, want %q", rec.calls[0], want)
	}
}

func TestWingetApplyPassesPunctuatedID(t *testing.T) {
	rec := &recordingExec{}
	provider := NewWingetProvider("winget", rec, nil, nil)

	if _, err := provider.Apply(context.Background(), "Microsoft.VCRedist.2015+.x64"); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(rec.calls) != 1 || rec.calls[0][2] != "--id" || rec.calls[0][3] != "Microsoft.VCRedist.2015+.x64" {
		t.Fatalf("args = %q", rec.calls)
	}
}

func TestWingetRejectsInvalidIDs(t *testing.T) {
	rec := &recordingExec{}
	provider := NewWingetProvider("winget", rec, nil, nil)

	for _, id := range []string{"", "--id", "-h", "foo bar", "Foo.Id\t--force", "Foo\nBar"} {
		if _, err := provider.Apply(context.Background(), id); err == nil {
			t.Errorf("Apply(%q) should fail", id)
		}
		if _, err := provider.Install(context.Background(), id); err == nil {
			t.Errorf("Install(%q) should fail", id)
		}
	}
	if len(rec.calls) != 0 {
		t.Fatalf("winget started for invalid IDs: %q", rec.calls)
	}
}
