// Package benchutil provides synthetic sensor-CSV generation for
// benchmarks and testing.
package benchutil

import (
	"bytes"
	"fmt"
	"math/rand"
)

// Header is the column layout of the real capture files.
const Header = "id|device|contagem|data|temperatura|umidade|luminosidade|ruido|eco2|etvoc|latitude|longitude"

// GeneratorConfig configures synthetic data generation.
type GeneratorConfig struct {
	// Devices is the number of distinct device ids.
	Devices int
	// LinesPerDevice is the average row count per device. Device d gets
	// a deterministic share that grows with d, so line counts are skewed
	// the way real deployments are.
	LinesPerDevice int
	// MalformedEvery injects a row without pipes every n data rows.
	// 0 disables injection.
	MalformedEvery int
	// Seed for reproducible generation. 0 = use default seed.
	Seed int64
}

// DefaultConfig returns a reasonable default configuration.
func DefaultConfig(devices int) GeneratorConfig {
	return GeneratorConfig{
		Devices:        devices,
		LinesPerDevice: 100,
		Seed:           42,
	}
}

// Generator generates synthetic sensor CSV bytes.
type Generator struct {
	cfg GeneratorConfig
	rng *rand.Rand
}

// NewGenerator creates a new data generator.
func NewGenerator(cfg GeneratorConfig) *Generator {
	seed := cfg.Seed
	if seed == 0 {
		seed = 42
	}
	return &Generator{cfg: cfg, rng: rand.New(rand.NewSource(seed))}
}

// DeviceName returns the id of device d, shaped like the real captures.
func DeviceName(d int) string {
	return fmt.Sprintf("sirrosteste_UCS_AMV-%02d", d)
}

// Generate produces the full file: header line plus interleaved device
// rows. Output is deterministic for a fixed config.
func (g *Generator) Generate() []byte {
	var buf bytes.Buffer
	buf.WriteString(Header)
	buf.WriteByte('\n')

	counts := g.lineCounts()
	id := 0
	for remaining := true; remaining; {
		remaining = false
		for d := 0; d < g.cfg.Devices; d++ {
			if counts[d] == 0 {
				continue
			}
			counts[d]--
			remaining = remaining || counts[d] > 0
			id++
			if g.cfg.MalformedEvery > 0 && id%g.cfg.MalformedEvery == 0 {
				buf.WriteString("corrupted row without separators\n")
				continue
			}
			g.writeRow(&buf, id, d)
		}
	}
	return buf.Bytes()
}

// TotalLines returns the number of data rows Generate will emit,
// malformed injections included.
func (g *Generator) TotalLines() int {
	total := 0
	for _, c := range g.lineCounts() {
		total += c
	}
	return total
}

func (g *Generator) lineCounts() []int {
	counts := make([]int, g.cfg.Devices)
	for d := range counts {
		// Linear skew: the busiest device carries roughly twice the
		// average, the quietest next to none.
		counts[d] = g.cfg.LinesPerDevice * 2 * (d + 1) / (g.cfg.Devices + 1)
		if counts[d] == 0 {
			counts[d] = 1
		}
	}
	return counts
}

func (g *Generator) writeRow(buf *bytes.Buffer, id, device int) {
	fmt.Fprintf(buf, "%d|%s|%d|2020-%02d-%02d|%.1f|%.1f|%d|%d|%d|%d|-29.%d|-51.%d\n",
		id,
		DeviceName(device),
		g.rng.Intn(100),
		1+g.rng.Intn(12), 1+g.rng.Intn(28),
		15+g.rng.Float64()*20,
		30+g.rng.Float64()*60,
		g.rng.Intn(1000),
		g.rng.Intn(90),
		400+g.rng.Intn(600),
		g.rng.Intn(300),
		g.rng.Intn(1000000),
		g.rng.Intn(1000000))
}
