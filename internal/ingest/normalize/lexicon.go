package normalize

import (
	"strings"

	"github.com/roastradar/catalog-sync/internal/model"
)

// The lookup tables below map free-text merchandising language onto the
// closed enumerations. Order matters where phrases overlap: more specific
// phrases are checked before their substrings.

var roastPhrases = []struct {
	phrase string
	level  model.RoastLevel
}{
	{"medium-light", model.RoastMediumLight},
	{"medium light", model.RoastMediumLight},
	{"light-medium", model.RoastMediumLight},
	{"medium-dark", model.RoastMediumDark},
	{"medium dark", model.RoastMediumDark},
	{"dark-medium", model.RoastMediumDark},
	{"light roast", model.RoastLight},
	{"medium roast", model.RoastMedium},
	{"dark roast", model.RoastDark},
	{"city+", model.RoastMedium},
	{"full city", model.RoastMediumDark},
	{"city roast", model.RoastMedium},
	{"french roast", model.RoastDark},
	{"italian roast", model.RoastDark},
	{"espresso roast", model.RoastMediumDark},
	{"blonde", model.RoastLight},
	{"light", model.RoastLight},
	{"medium", model.RoastMedium},
	{"dark", model.RoastDark},
}

// MatchRoast maps free text to a roast level. Returns RoastUnknown when no
// phrase matches.
func MatchRoast(text string) model.RoastLevel {
	lower := strings.ToLower(text)
	for _, p := range roastPhrases {
		if strings.Contains(lower, p.phrase) {
			return p.level
		}
	}
	return model.RoastUnknown
}

var processPhrases = []struct {
	phrase string
	proc   model.Process
}{
	{"anaerobic", model.ProcessAnaerobic},
	{"carbonic maceration", model.ProcessAnaerobic},
	{"black honey", model.ProcessHoney},
	{"red honey", model.ProcessHoney},
	{"yellow honey", model.ProcessHoney},
	{"white honey", model.ProcessHoney},
	{"honey process", model.ProcessHoney},
	{"honey-process", model.ProcessHoney},
	{"pulped natural", model.ProcessHoney},
	{"semi-washed", model.ProcessHoney},
	{"fully washed", model.ProcessWashed},
	{"wet process", model.ProcessWashed},
	{"washed", model.ProcessWashed},
	{"natural process", model.ProcessNatural},
	{"dry process", model.ProcessNatural},
	{"sun-dried", model.ProcessNatural},
	{"natural", model.ProcessNatural},
	{"wet-hulled", model.ProcessOther},
	{"giling basah", model.ProcessOther},
	{"monsooned", model.ProcessOther},
	{"decaf process", model.ProcessOther},
	{"swiss water", model.ProcessOther},
	{"honey", model.ProcessHoney},
}

// MatchProcess maps free text to a processing method. Returns
// ProcessUnknown when no phrase matches.
func MatchProcess(text string) model.Process {
	lower := strings.ToLower(text)
	for _, p := range processPhrases {
		if strings.Contains(lower, p.phrase) {
			return p.proc
		}
	}
	return model.ProcessUnknown
}

var grindPhrases = []struct {
	phrase string
	grind  model.Grind
}{
	{"whole bean", model.GrindWholeBean},
	{"wholebean", model.GrindWholeBean},
	{"whole-bean", model.GrindWholeBean},
	{"beans", model.GrindWholeBean},
	{"french press", model.GrindFrenchPress},
	{"cafetiere", model.GrindFrenchPress},
	{"aeropress", model.GrindAeropress},
	{"moka", model.GrindMoka},
	{"stovetop", model.GrindMoka},
	{"espresso", model.GrindEspresso},
	{"filter", model.GrindFilter},
	{"pour over", model.GrindFilter},
	{"pour-over", model.GrindFilter},
	{"drip", model.GrindFilter},
	{"v60", model.GrindFilter},
	{"chemex", model.GrindFilter},
	{"ground", model.GrindOther},
}

// MatchGrind maps free text to a grind. Returns GrindUnknown when no
// phrase matches.
func MatchGrind(text string) model.Grind {
	lower := strings.ToLower(text)
	for _, p := range grindPhrases {
		if strings.Contains(lower, p.phrase) {
			return p.grind
		}
	}
	return model.GrindUnknown
}

// producingCountries covers the origins that appear in specialty coffee
// listings. Keys are lowercase match strings; values the canonical name.
var producingCountries = map[string]string{
	"ethiopia":           "Ethiopia",
	"ethiopian":          "Ethiopia",
	"kenya":              "Kenya",
	"kenyan":             "Kenya",
	"colombia":           "Colombia",
	"colombian":          "Colombia",
	"brazil":             "Brazil",
	"brazilian":          "Brazil",
	"guatemala":          "Guatemala",
	"guatemalan":         "Guatemala",
	"honduras":           "Honduras",
	"honduran":           "Honduras",
	"el salvador":        "El Salvador",
	"salvadoran":         "El Salvador",
	"costa rica":         "Costa Rica",
	"costa rican":        "Costa Rica",
	"nicaragua":          "Nicaragua",
	"nicaraguan":         "Nicaragua",
	"panama":             "Panama",
	"panamanian":         "Panama",
	"mexico":             "Mexico",
	"mexican":            "Mexico",
	"peru":               "Peru",
	"peruvian":           "Peru",
	"bolivia":            "Bolivia",
	"ecuador":            "Ecuador",
	"rwanda":             "Rwanda",
	"rwandan":            "Rwanda",
	"burundi":            "Burundi",
	"uganda":             "Uganda",
	"tanzania":           "Tanzania",
	"congo":              "Democratic Republic of the Congo",
	"drc":                "Democratic Republic of the Congo",
	"yemen":              "Yemen",
	"indonesia":          "Indonesia",
	"sumatra":            "Indonesia",
	"sulawesi":           "Indonesia",
	"java":               "Indonesia",
	"india":              "India",
	"vietnam":            "Vietnam",
	"papua new guinea":   "Papua New Guinea",
	"myanmar":            "Myanmar",
	"china":              "China",
	"yunnan":             "China",
	"thailand":           "Thailand",
	"hawaii":             "United States",
	"kona":               "United States",
	"jamaica":            "Jamaica",
	"dominican republic": "Dominican Republic",
	"haiti":              "Haiti",
}

// knownRegions maps growing-region names to their country, so a listing
// that only names the region still gets a geography.
var knownRegions = map[string][2]string{
	"yirgacheffe":     {"Yirgacheffe", "Ethiopia"},
	"sidamo":          {"Sidamo", "Ethiopia"},
	"sidama":          {"Sidama", "Ethiopia"},
	"guji":            {"Guji", "Ethiopia"},
	"harrar":          {"Harrar", "Ethiopia"},
	"huila":           {"Huila", "Colombia"},
	"narino":          {"Nariño", "Colombia"},
	"nariño":          {"Nariño", "Colombia"},
	"antigua":         {"Antigua", "Guatemala"},
	"huehuetenango":   {"Huehuetenango", "Guatemala"},
	"tarrazu":         {"Tarrazú", "Costa Rica"},
	"tarrazú":         {"Tarrazú", "Costa Rica"},
	"chiapas":         {"Chiapas", "Mexico"},
	"oaxaca":          {"Oaxaca", "Mexico"},
	"cerrado":         {"Cerrado", "Brazil"},
	"minas gerais":    {"Minas Gerais", "Brazil"},
	"nyeri":           {"Nyeri", "Kenya"},
	"kirinyaga":       {"Kirinyaga", "Kenya"},
	"boquete":         {"Boquete", "Panama"},
	"blue mountain":   {"Blue Mountain", "Jamaica"},
	"mandheling":      {"Mandheling", "Indonesia"},
	"gayo":            {"Gayo", "Indonesia"},
	"aceh":            {"Aceh", "Indonesia"},
	"kintamani":       {"Kintamani", "Indonesia"},
	"monsoon malabar": {"Malabar", "India"},
}

// MatchGeography scans text for a producing country or known region.
func MatchGeography(text string) model.Geography {
	lower := strings.ToLower(text)
	geo := model.Geography{}
	for key, val := range knownRegions {
		if strings.Contains(lower, key) {
			geo.Region = val[0]
			geo.Country = val[1]
			break
		}
	}
	if geo.Country == "" {
		for key, name := range producingCountries {
			if strings.Contains(lower, key) {
				geo.Country = name
				break
			}
		}
	}
	return geo
}

// knownVarieties covers the cultivar names that show up in listings.
var knownVarieties = []string{
	"Gesha", "Geisha", "Bourbon", "Typica", "Caturra", "Catuai", "Pacamara",
	"SL28", "SL34", "Ruiru 11", "Batian", "Heirloom", "Pacas", "Maragogipe",
	"Mundo Novo", "Castillo", "Colombia", "Pink Bourbon", "Yellow Bourbon",
	"Red Bourbon", "Sidra", "Wush Wush", "Java", "Catimor", "Sarchimor",
}

// MatchVarieties returns the cultivars named in the text, canonical-cased
// and deduplicated.
func MatchVarieties(text string) []string {
	lower := strings.ToLower(text)
	seen := map[string]bool{}
	var out []string
	for _, v := range knownVarieties {
		if strings.Contains(lower, strings.ToLower(v)) && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

var decafPhrases = []string{"decaf", "decaffeinated", "swiss water", "sugarcane ea", "mountain water"}

// IsDecaf reports whether the text indicates a decaffeinated coffee.
func IsDecaf(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range decafPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
