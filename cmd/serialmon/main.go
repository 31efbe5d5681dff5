// Command serialmon tails a device's USB serial console, timestamping
// each line. Useful when bringing up new firmware next to the hub.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"time"

	"go.bug.st/serial"
)

func main() {
	port := flag.String("port", "/dev/ttyUSB0", "serial port device")
	baud := flag.Int("baud", 115200, "baud rate")
	flag.Parse()

	conn, err := serial.Open(*port, &serial.Mode{BaudRate: *baud})
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", *port, err)
		os.Exit(1)
	}
	defer conn.Close()

	fmt.Printf("listening on %s at %d baud\n", *port, *baud)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024)
	for scanner.Scan() {
		fmt.Printf("[%s] %s\n", time.Now().Format("15:04:05.000"), scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "read: %v\n", err)
		os.Exit(1)
	}
}
