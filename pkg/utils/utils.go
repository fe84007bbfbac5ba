package utils

import (
	"fmt"
	"net"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

func UniqueID() string {
	uuidRequest, err := uuid.NewV7()
	if err != nil {
		return strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	return strings.ReplaceAll(uuidRequest.String(), "-", "")
}

func GetLocalIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", fmt.Errorf("failed to get interface addresses: %w", err)
	}

	for _, addr := range addrs {
		// Check if the address is IP network
		if ipnet, ok := addr.(*net.IPNet); ok {
			// Skip loopback addresses
			if ipnet.IP.IsLoopback() {
				continue
			}
			// We want IPv4 address
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String(), nil
			}
		}
	}
	return "", fmt.Errorf("no valid local IP address found")
}

// Marshal encodes v as JSON.
func Marshal(v interface{}) ([]byte, error) {
	return sonic.Marshal(v)
}

// MarshalIndent encodes v as indented JSON.
func MarshalIndent(v interface{}) ([]byte, error) {
	return sonic.ConfigStd.MarshalIndent(v, "", "  ")
}

// MustToJSON encodes obj as a JSON string, empty on failure.
func MustToJSON(obj interface{}) string {
	str, _ := sonic.Marshal(obj)
	return string(str)
}

// HRSize formats a byte count with binary prefixes, e.g. "1.5 KiB".
func HRSize(size int64) string {
	if size < 0 {
		return "-" + humanize.IBytes(uint64(-size))
	}
	return humanize.IBytes(uint64(size))
}
