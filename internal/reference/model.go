package reference

// EnumDirectory — один именованный enum-справочник.
// Именно он становится переиспользуемой enum-схемой в OpenAPI-документе.
type EnumDirectory struct {
	Name  string     `yaml:"name"`
	Title string     `yaml:"title,omitempty"`
	Items []EnumItem `yaml:"items"`
}

type EnumItem struct {
	Code string `yaml:"code"`
	Name string `yaml:"name"`
	// Дополнительные поля: Order, ValidFrom, ValidTo и т.д.
	Order     int    `yaml:"order,omitempty"`
	ValidFrom string `yaml:"valid_from,omitempty"`
	ValidTo   string `yaml:"valid_to,omitempty"`
}

// Codes возвращает допустимые значения справочника в порядке объявления.
func (d EnumDirectory) Codes() []string {
	out := make([]string, 0, len(d.Items))
	for _, it := range d.Items {
		out = append(out, it.Code)
	}
	return out
}

// Has проверяет, входит ли код в справочник.
func (d EnumDirectory) Has(code string) bool {
	for _, it := range d.Items {
		if it.Code == code {
			return true
		}
	}
	return false
}
