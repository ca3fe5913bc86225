package session

import "math/rand/v2"

var (
	codenameColors = []string{
		"Red", "Orange", "Yellow", "Green", "Blue", "Indigo", "Violet",
		"Purple", "Lavender", "Fuchsia", "Plum", "Orchid", "Magenta",
	}
	codenameTreats = []string{
		"Alpha", "Beta", "Cupcake", "Donut", "Eclair", "Froyo", "Gingerbread",
		"Honeycomb", "Ice Cream Sandwich", "Jellybean", "Kit Kat", "Lollipop",
		"Marshmallow", "Nougat", "Oreo", "Pie",
	}
)

// Codename returns a random display name such as "Blue Eclair".
func Codename() string {
	return codenameColors[rand.IntN(len(codenameColors))] + " " + codenameTreats[rand.IntN(len(codenameTreats))]
}
