package wake

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"strings"
	"time"
)

// LookupMAC resolves ip's MAC from the system ARP cache: /proc/net/arp
// first (Linux), falling back to shelling out to `arp -n` (spec §4.8,
// "MAC discovery helper for Linux hosts"). Returns ok=false if no entry
// was found.
func LookupMAC(ctx context.Context, ip string) (string, bool) {
	if mac, ok := lookupFromProcARP(ip); ok {
		return mac, true
	}
	return lookupFromARPCommand(ctx, ip)
}

// lookupFromProcARP parses /proc/net/arp: column 0 is the IP, column 3 is
// the hardware address; rows with the all-zero placeholder are skipped.
func lookupFromProcARP(ip string) (string, bool) {
	f, err := os.Open("/proc/net/arp")
	if err != nil {
		return "", false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue // header row
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 4 {
			continue
		}
		if fields[0] != ip {
			continue
		}
		mac := fields[3]
		if isZeroMAC(mac) {
			continue
		}
		return strings.ToUpper(mac), true
	}
	return "", false
}

// lookupFromARPCommand shells out to `arp -n <ip>` and scans its output for
// the first MAC-shaped token, for hosts without /proc/net/arp.
func lookupFromARPCommand(ctx context.Context, ip string) (string, bool) {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(cctx, "arp", "-n", ip).Output()
	if err != nil {
		return "", false
	}

	for _, line := range strings.Split(string(out), "\n") {
		for _, word := range strings.Fields(line) {
			if IsMACAddress(word) && !isZeroMAC(word) {
				return strings.ToUpper(word), true
			}
		}
	}
	return "", false
}
