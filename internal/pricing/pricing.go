// Package pricing computes quote amounts from per-service tier tables.
//
// Amounts are Chilean pesos (CLP, no decimals). Net prices are computed from the
// customer's reported size; IVA is added on top.
package pricing

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/BTreeMap/QuotePipe/internal/util"
)

// IVARate is the Chilean value added tax.
const IVARate = 0.19

// Service identifies a priced service line.
type Service string

// Services offered.
const (
	ServicePestControl Service = "plagas"
	ServicePool        Service = "piscinas"
	ServiceCameras     Service = "camaras"
)

var (
	// ErrUnknownService is returned for labels that map to no service.
	ErrUnknownService = errors.New("unknown service")
	// ErrInvalidSize is returned when no positive size can be read from the reply.
	ErrInvalidSize = errors.New("invalid size")
	// ErrOutOfRange is returned when the size exceeds the largest tier; such
	// requests are quoted manually.
	ErrOutOfRange = errors.New("size outside priced range")
)

// Tier prices sizes up to UpTo (inclusive) as Base + PerUnit*size.
type Tier struct {
	UpTo    float64
	Base    int64
	PerUnit int64
}

// Table is the price list of one service.
type Table struct {
	Service Service
	Label   string
	Unit    string
	Minimum int64
	Tiers   []Tier // ascending UpTo
	aliases []string
}

// Tables is the built-in price list.
var Tables = map[Service]Table{
	ServicePestControl: {
		Service: ServicePestControl,
		Label:   "Control de plagas",
		Unit:    "m²",
		Minimum: 35000,
		Tiers: []Tier{
			{UpTo: 100, Base: 25000, PerUnit: 250},
			{UpTo: 500, Base: 40000, PerUnit: 180},
			{UpTo: 2000, Base: 80000, PerUnit: 120},
		},
		aliases: []string{"plaga", "fumig", "desratiz", "sanitiz", "control"},
	},
	ServicePool: {
		Service: ServicePool,
		Label:   "Mantención de piscinas",
		Unit:    "m³",
		Minimum: 45000,
		Tiers: []Tier{
			{UpTo: 30, Base: 30000, PerUnit: 1500},
			{UpTo: 80, Base: 45000, PerUnit: 1200},
			{UpTo: 200, Base: 70000, PerUnit: 900},
		},
		aliases: []string{"piscina", "pileta", "alberca"},
	},
	ServiceCameras: {
		Service: ServiceCameras,
		Label:   "Instalación de cámaras de seguridad",
		Unit:    "cámaras",
		Minimum: 120000,
		Tiers: []Tier{
			{UpTo: 4, Base: 60000, PerUnit: 65000},
			{UpTo: 16, Base: 90000, PerUnit: 55000},
			{UpTo: 64, Base: 150000, PerUnit: 48000},
		},
		aliases: []string{"camara", "cctv", "seguridad", "vigilancia"},
	},
}

// Quote is a priced request.
type Quote struct {
	Service Service `json:"service"`
	Label   string  `json:"label"`
	Size    float64 `json:"size"`
	Unit    string  `json:"unit"`
	Net     int64   `json:"net"`
	IVA     int64   `json:"iva"`
	Total   int64   `json:"total"`
}

// ResolveService maps a free-text or canonical service label to a Service.
func ResolveService(label string) (Service, error) {
	l := util.NormalizeText(label)
	if l == "" {
		return "", fmt.Errorf("%w: empty label", ErrUnknownService)
	}
	if t, ok := Tables[Service(l)]; ok {
		return t.Service, nil
	}
	for _, s := range []Service{ServicePestControl, ServicePool, ServiceCameras} {
		for _, alias := range Tables[s].aliases {
			if strings.Contains(l, alias) {
				return s, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownService, label)
}

var (
	numberPattern    = regexp.MustCompile(`\d+(?:[.,]\d+)*`)
	thousandsPattern = regexp.MustCompile(`^\d{1,3}(?:\.\d{3})+$`)
)

// ParseSize reads the first number in a free-text reply: "120", "120 m2",
// "unos 45,5 metros", "1.200". Dot-grouped thousands are accepted.
func ParseSize(text string) (float64, error) {
	raw := numberPattern.FindString(text)
	if raw == "" {
		return 0, fmt.Errorf("%w: no number in %q", ErrInvalidSize, text)
	}
	switch {
	case thousandsPattern.MatchString(raw):
		raw = strings.ReplaceAll(raw, ".", "")
	case strings.Count(raw, ",") == 1 && !strings.Contains(raw, "."):
		raw = strings.Replace(raw, ",", ".", 1)
	default:
		raw = strings.ReplaceAll(raw, ",", "")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidSize, text)
	}
	return v, nil
}

// Price returns the net amount for size units of service.
func Price(service Service, size float64) (int64, error) {
	table, ok := Tables[service]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownService, service)
	}
	if size <= 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidSize, size)
	}
	for _, tier := range table.Tiers {
		if size <= tier.UpTo {
			amount := tier.Base + int64(math.Round(float64(tier.PerUnit)*size))
			if amount < table.Minimum {
				amount = table.Minimum
			}
			return roundTo(amount, 100), nil
		}
	}
	last := table.Tiers[len(table.Tiers)-1]
	return 0, fmt.Errorf("%w: %v %s exceeds %v", ErrOutOfRange, size, table.Unit, last.UpTo)
}

// QuoteFor prices a captured service label and size reply.
func QuoteFor(serviceLabel, sizeText string) (Quote, error) {
	service, err := ResolveService(serviceLabel)
	if err != nil {
		return Quote{}, err
	}
	size, err := ParseSize(sizeText)
	if err != nil {
		return Quote{}, err
	}
	net, err := Price(service, size)
	if err != nil {
		return Quote{}, err
	}
	iva := int64(math.Round(float64(net) * IVARate))
	table := Tables[service]
	return Quote{
		Service: service,
		Label:   table.Label,
		Size:    size,
		Unit:    table.Unit,
		Net:     net,
		IVA:     iva,
		Total:   net + iva,
	}, nil
}

// FormatCLP renders an amount the way Chilean invoices do: "$1.234.567".
func FormatCLP(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	digits := strconv.FormatInt(amount, 10)
	var b strings.Builder
	for i, c := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte('.')
		}
		b.WriteRune(c)
	}
	return sign + "$" + b.String()
}

func roundTo(amount, step int64) int64 {
	return (amount + step/2) / step * step
}
