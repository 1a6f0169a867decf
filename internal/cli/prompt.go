package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// confirm asks question on out and reads the answer from in. yes skips
// the prompt.
func confirm(yes bool, in io.Reader, out io.Writer, question string) (bool, error) {
	if yes {
		return true, nil
	}
	fmt.Fprintf(out, "%s [y/N]: ", strings.TrimSpace(question))
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, err
	}
	ans := strings.ToLower(strings.TrimSpace(line))
	return ans == "y" || ans == "yes", nil
}
