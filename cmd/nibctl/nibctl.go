package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/usnistgov/udpnib"
)

// sendCommand sends one command line to a distributor's control port and
// returns the reply lines, up to and including the final ok or fail.
func sendCommand(addr, command string, timeout time.Duration) ([]string, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(timeout))
	if _, err := fmt.Fprintf(conn, "%s\r\n", command); err != nil {
		return nil, err
	}
	var lines []string
	reader := bufio.NewReader(conn)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return lines, fmt.Errorf("reading reply from %s: %w", addr, err)
		}
		lines = append(lines, strings.TrimRight(line, "\r\n"))
		if line == udpnib.ReplyOK || line == udpnib.ReplyFail {
			return lines, nil
		}
	}
}

func main() {
	var host string
	var port int
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "nibctl COMMAND",
		Short: "Send START, FLUSH, STOP, STATS, or QUIT to a udpnib distributor",
		Long: `nibctl sends one command to the control port of a udpnib distributor and
prints the reply. START, FLUSH, and STOP wait until the distributor has changed
state, so give them a long enough --timeout.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := net.JoinHostPort(host, fmt.Sprint(port))
			lines, err := sendCommand(addr, args[0], timeout)
			for _, line := range lines {
				fmt.Println(line)
			}
			if err != nil {
				return err
			}
			if lines[len(lines)-1]+"\r\n" != udpnib.ReplyOK {
				return fmt.Errorf("%s refused %s", addr, strings.ToUpper(args[0]))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "localhost", "distributor host")
	cmd.Flags().IntVarP(&port, "port", "p", udpnib.Ports.Control, "distributor control port")
	cmd.Flags().DurationVar(&timeout, "timeout", 60*time.Second, "how long to wait for the reply")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
