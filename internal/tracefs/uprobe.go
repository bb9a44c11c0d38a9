package tracefs

import "fmt"

// UprobeToken creates the PATH:OFFSET token for the tracefs api.
func UprobeToken(args ProbeArgs) string {
	return fmt.Sprintf("%s:%#x", args.Path, args.Offset)
}
