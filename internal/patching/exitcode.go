package patching

import "fmt"

// winget exit codes, from winget-cli src/AppInstallerSharedLib/Public/AppInstallerErrors.h
// (APPINSTALLER_CLI_ERROR_*, facility 0x8A15). Values are the signed 32-bit
// form that PowerShell's $LASTEXITCODE reports.
const (
	ExitInternalError           = -1978335231 // 0x8A150001
	ExitInvalidArguments        = -1978335230 // 0x8A150002
	ExitCommandFailed           = -1978335229 // 0x8A150003
	ExitNoApplicationsFound     = -1978335212 // 0x8A150014
	ExitUpdateNotApplicable     = -1978335189 // 0x8A15002B
	ExitPackageAlreadyInstalled = -1978335135 // 0x8A150061
)

// Windows Update Agent HRESULTs that surface as exit codes when the
// windows-update provider is selected.
const (
	ExitWUCallCancelled       = -2145124341 // 0x8024000B
	ExitWUOperationInProgress = -2145124338 // 0x8024000E
	ExitWUInstallNotAllowed   = -2145124330 // 0x80240016
	ExitWUNotApplicable       = -2145124329 // 0x80240017
	ExitWUNoService           = -2145124316 // 0x80240024
	ExitWUDisabled            = -2145124306 // 0x8024002E
	ExitWUAccessDenied        = -2145124284 // 0x80240044
	ExitWUPostRebootPending   = -2145116140 // 0x80242014
	ExitAccessDenied          = -2147024891 // 0x80070005
	ExitNetworkTimeout        = -2147012894 // 0x80072EE2
	ExitCannotConnect         = -2147012866 // 0x80072EFE
	ExitUnspecifiedFailure    = -2147467259 // 0x80004005
)

type exitCodeInfo struct {
	Name    string
	Message string
}

var knownExitCodes = map[int]exitCodeInfo{
	ExitInternalError:           {"APPINSTALLER_CLI_ERROR_INTERNAL_ERROR", "internal error"},
	ExitInvalidArguments:        {"APPINSTALLER_CLI_ERROR_INVALID_CL_ARGUMENTS", "invalid command line arguments"},
	ExitCommandFailed:           {"APPINSTALLER_CLI_ERROR_COMMAND_FAILED", "executing command failed"},
	ExitNoApplicationsFound:     {"APPINSTALLER_CLI_ERROR_NO_APPLICATIONS_FOUND", "no packages found"},
	ExitUpdateNotApplicable:     {"APPINSTALLER_CLI_ERROR_UPDATE_NOT_APPLICABLE", "no applicable update found"},
	ExitPackageAlreadyInstalled: {"APPINSTALLER_CLI_ERROR_PACKAGE_ALREADY_INSTALLED", "package already installed"},

	ExitWUCallCancelled:       {"WU_E_CALL_CANCELLED", "operation was cancelled"},
	ExitWUOperationInProgress: {"WU_E_OPERATIONINPROGRESS", "another conflicting operation was in progress"},
	ExitWUInstallNotAllowed:   {"WU_E_INSTALL_NOT_ALLOWED", "another install is in progress or a reboot is pending"},
	ExitWUNotApplicable:       {"WU_E_NOT_APPLICABLE", "operation is not applicable to the current state"},
	ExitWUNoService:           {"WU_E_NO_SERVICE", "Windows Update service could not be contacted"},
	ExitWUDisabled:            {"WU_E_WU_DISABLED", "non-managed server access is not allowed"},
	ExitWUAccessDenied:        {"WU_E_PER_MACHINE_UPDATE_ACCESS_DENIED", "only administrators can update per-machine software"},
	ExitWUPostRebootPending:   {"WU_E_UH_POSTREBOOTSTILLPENDING", "post-reboot operation is still in progress"},
	ExitAccessDenied:          {"E_ACCESSDENIED", "access denied"},
	ExitNetworkTimeout:        {"WININET_E_TIMEOUT", "the operation timed out"},
	ExitCannotConnect:         {"WININET_E_CANNOT_CONNECT", "could not connect to the update server"},
	ExitUnspecifiedFailure:    {"E_FAIL", "unspecified failure"},
}

// NormalizeExitCode converts an exit code to its signed 32-bit form. Windows
// exit codes are DWORDs, so os/exec reports 0x8A15002B as 2316632107.
func NormalizeExitCode(code int) int {
	return int(int32(uint32(code)))
}

// Classify maps an installer exit code onto the outcome taxonomy. Only the
// winget codes above and WU_E_NOT_APPLICABLE are special; anything unmapped
// is a failure. The returned Code is the normalized signed 32-bit value, so
// Classify(4294967301) is a failure with Code 5.
func Classify(code int) Outcome {
	code = NormalizeExitCode(code)
	switch code {
	case 0:
		return Outcome{Kind: OutcomeSuccess, Code: code}
	case ExitUpdateNotApplicable, ExitWUNotApplicable:
		return Outcome{Kind: OutcomeAlreadySatisfied, Code: code}
	case ExitPackageAlreadyInstalled:
		return Outcome{Kind: OutcomeUpdateAvailable, Code: code}
	default:
		return Outcome{Kind: OutcomeFailure, Code: code}
	}
}

// FormatExitCode renders a code for log lines.
// For known codes: "0x8A15002B: APPINSTALLER_CLI_ERROR_UPDATE_NOT_APPLICABLE: no applicable update found"
// For small codes: "5"
func FormatExitCode(code int) string {
	code = NormalizeExitCode(code)
	if info, ok := knownExitCodes[code]; ok {
		return fmt.Sprintf("0x%08X: %s: %s", uint32(code), info.Name, info.Message)
	}
	if code < -0xFFFF {
		return fmt.Sprintf("0x%08X: unknown exit code", uint32(code))
	}
	return fmt.Sprintf("%d", code)
}
