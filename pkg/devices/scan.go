/*
 * Copyright 2026 Miccast Contributors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package devices

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/miccast/miccast/pkg/models"
)

var (
	cardRe     = regexp.MustCompile(`^card(\d+)$`)
	portPathRe = regexp.MustCompile(`^\d+-[\d.]+$`)
	captureRe  = regexp.MustCompile(`^pcmC\d+D\d+c$`)
)

// Scan enumerates currently attached USB audio capture devices from the
// kernel's sysfs tree. A card whose topology cannot be resolved is
// logged and skipped; one broken device never aborts the scan.
func (r *Registry) Scan(ctx context.Context) ([]models.Device, error) {
	soundDir := filepath.Join(r.config.SysfsRoot, "class", "sound")

	entries, err := os.ReadDir(soundDir)
	if err != nil {
		if os.IsNotExist(err) {
			// Host without sound support exposes no class directory.
			return nil, nil
		}

		return nil, fmt.Errorf("failed to read '%s': %w", soundDir, err)
	}

	var found []models.Device

	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		m := cardRe.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}

		cardNum, _ := strconv.Atoi(m[1])

		dev, err := r.probeCard(soundDir, entry.Name(), cardNum)
		if err != nil {
			r.logger.Warn().
				Str("card", entry.Name()).
				Err(err).
				Msg("Excluding device from streaming")

			continue
		}

		if dev == nil {
			continue
		}

		found = append(found, *dev)
	}

	sort.Slice(found, func(i, j int) bool { return found[i].TopologyKey < found[j].TopologyKey })

	r.logger.Debug().Int("devices", len(found)).Msg("Completed device scan")

	return found, nil
}

// probeCard inspects one sound card directory. It returns (nil, nil) for
// cards that are not USB capture devices, and ErrUnresolvableDevice for
// USB capture cards whose port path cannot be determined.
func (r *Registry) probeCard(soundDir, cardName string, cardNum int) (*models.Device, error) {
	cardPath, err := filepath.EvalSymlinks(filepath.Join(soundDir, cardName))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnresolvableDevice, cardName, err)
	}

	if !hasCaptureEndpoint(cardPath) {
		return nil, nil
	}

	usbDev := findUSBAncestor(cardPath)
	if usbDev == "" {
		// Onboard or non-USB cards have no USB ancestor; they are out
		// of scope, not an error.
		if !underUSBBus(cardPath) {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: %s has no usb device ancestor", ErrUnresolvableDevice, cardName)
	}

	topology := filepath.Base(usbDev)
	if !portPathRe.MatchString(topology) {
		return nil, fmt.Errorf("%w: unexpected port path '%s'", ErrUnresolvableDevice, topology)
	}

	dev := &models.Device{
		TopologyKey: topology,
		VendorID:    readAttr(usbDev, "idVendor"),
		ProductID:   readAttr(usbDev, "idProduct"),
		Product:     readAttr(usbDev, "product"),
		KernelName:  cardName,
		DevicePath:  r.devicePath(cardPath, cardNum),
		LastSeen:    r.now().UTC(),
	}

	dev.SampleRates, dev.Channels = r.captureCaps(cardNum)

	return dev, nil
}

// hasCaptureEndpoint reports whether the card exposes at least one PCM
// capture device (pcmC*D*c).
func hasCaptureEndpoint(cardPath string) bool {
	entries, err := os.ReadDir(cardPath)
	if err != nil {
		return false
	}

	for _, entry := range entries {
		if captureRe.MatchString(entry.Name()) {
			return true
		}
	}

	return false
}

// findUSBAncestor walks up from the card directory to the USB device
// node, recognizable by its idVendor/idProduct attributes.
func findUSBAncestor(cardPath string) string {
	dir := cardPath

	for i := 0; i < 16; i++ {
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}

		dir = parent

		if fileExists(filepath.Join(dir, "idVendor")) && fileExists(filepath.Join(dir, "idProduct")) {
			return dir
		}
	}

	return ""
}

// underUSBBus reports whether the resolved card path crosses a USB bus
// directory at all.
func underUSBBus(cardPath string) bool {
	for _, part := range strings.Split(cardPath, string(filepath.Separator)) {
		if strings.HasPrefix(part, "usb") && len(part) > 3 {
			if _, err := strconv.Atoi(part[3:]); err == nil {
				return true
			}
		}
	}

	return false
}

// devicePath builds the ALSA device the capture pipeline opens. The card
// id is stable where the card number is not, so prefer it.
func (r *Registry) devicePath(cardPath string, cardNum int) string {
	if id := readAttr(cardPath, "id"); id != "" {
		return fmt.Sprintf("hw:CARD=%s,DEV=0", id)
	}

	return fmt.Sprintf("hw:%d,0", cardNum)
}

// captureCaps parses the kernel's USB audio stream description for the
// card's capture rates and channel count. Missing or unparseable info
// leaves both zero; the config generator falls back to defaults.
func (r *Registry) captureCaps(cardNum int) ([]int, int) {
	data, err := os.ReadFile(filepath.Join(r.config.ProcRoot, "asound", fmt.Sprintf("card%d", cardNum), "stream0"))
	if err != nil {
		return nil, 0
	}

	return parseStreamInfo(string(data))
}

// parseStreamInfo extracts Rates and Channels from the capture section
// of a /proc/asound/cardN/stream0 dump.
func parseStreamInfo(text string) ([]int, int) {
	var (
		rates     []int
		channels  int
		inCapture bool
	)

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(trimmed, "Capture:"):
			inCapture = true
		case strings.HasPrefix(trimmed, "Playback:"):
			inCapture = false
		case inCapture && strings.HasPrefix(trimmed, "Rates:") && rates == nil:
			for _, field := range strings.Split(strings.TrimPrefix(trimmed, "Rates:"), ",") {
				if rate, err := strconv.Atoi(strings.TrimSpace(field)); err == nil {
					rates = append(rates, rate)
				}
			}
		case inCapture && strings.HasPrefix(trimmed, "Channels:") && channels == 0:
			if n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(trimmed, "Channels:"))); err == nil {
				channels = n
			}
		}
	}

	return rates, channels
}

func readAttr(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}

	return strings.TrimSpace(string(data))
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
