package units

// Refrigerant is the refrigerant charge of a unit.
type Refrigerant string

const (
	RefrigerantR22   Refrigerant = "R-22"
	RefrigerantR410A Refrigerant = "R-410A"
	RefrigerantR32   Refrigerant = "R-32"
	RefrigerantR454B Refrigerant = "R-454B"
	RefrigerantR134A Refrigerant = "R-134a"
	RefrigerantR407C Refrigerant = "R-407C"
	RefrigerantR404A Refrigerant = "R-404A"
	RefrigerantR507A Refrigerant = "R-507A"
	RefrigerantR422D Refrigerant = "R-422D"
	RefrigerantR438A Refrigerant = "R-438A"
	RefrigerantR417A Refrigerant = "R-417A"
	RefrigerantR427A Refrigerant = "R-427A"
	RefrigerantR290  Refrigerant = "R-290"
	RefrigerantR744  Refrigerant = "R-744"
)

// Refrigerants lists every supported refrigerant.
var Refrigerants = []Refrigerant{
	RefrigerantR22, RefrigerantR410A, RefrigerantR32, RefrigerantR454B,
	RefrigerantR134A, RefrigerantR407C, RefrigerantR404A, RefrigerantR507A,
	RefrigerantR422D, RefrigerantR438A, RefrigerantR417A, RefrigerantR427A,
	RefrigerantR290, RefrigerantR744,
}

// Valid returns true when the refrigerant is supported.
func (r Refrigerant) Valid() bool {
	for _, known := range Refrigerants {
		if r == known {
			return true
		}
	}
	return false
}
