package models

type Category string

const (
	CategoryAll     Category = "all"
	CategoryShounen Category = "shounen"
	CategoryShoujo  Category = "shoujo"
	CategorySeinen  Category = "seinen"
	CategoryJosei   Category = "josei"
)

// CategoryInfo pairs a category id with its display name
type CategoryInfo struct {
	ID   Category `json:"id" db:"id"`
	Name string   `json:"name" db:"name"`
}

// Categories is the closed set, in display order
var Categories = []CategoryInfo{
	{ID: CategoryAll, Name: "全て"},
	{ID: CategoryShounen, Name: "少年マンガ"},
	{ID: CategoryShoujo, Name: "少女マンガ"},
	{ID: CategorySeinen, Name: "青年マンガ"},
	{ID: CategoryJosei, Name: "女性マンガ"},
}

func (c Category) Valid() bool {
	for _, info := range Categories {
		if info.ID == c {
			return true
		}
	}
	return false
}
