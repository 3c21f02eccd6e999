package gig

import (
	"sort"
	"strings"
)

// SortOrder は一覧の並び順。
type SortOrder string

// 並び順
const (
	SortNewest     SortOrder = "newest"
	SortBudgetAsc  SortOrder = "budget_asc"
	SortBudgetDesc SortOrder = "budget_desc"
	SortDeadline   SortOrder = "deadline"
)

// ページサイズ
const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

// ListOptions は一覧の絞り込み・並べ替え・ページング条件。
type ListOptions struct {
	Category string
	Query    string
	OpenOnly bool
	Sort     SortOrder
	Page     int
	PageSize int
}

// Page は一覧の1ページ分の結果。
type Page struct {
	Items      []Gig
	Page       int
	PageSize   int
	Total      int
	TotalPages int
}

// Filter はメモリ上のギグ一覧に条件を適用する。
// 入力スライスは変更しない。範囲外のページは空のItemsを返す。
func Filter(gigs []Gig, opts ListOptions) Page {
	page := opts.Page
	if page < 1 {
		page = 1
	}
	size := opts.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}

	query := strings.ToLower(strings.TrimSpace(opts.Query))
	matched := make([]Gig, 0, len(gigs))
	for _, g := range gigs {
		if opts.Category != "" && !strings.EqualFold(g.Category, opts.Category) {
			continue
		}
		if opts.OpenOnly && bool(g.IsCompleted) {
			continue
		}
		if query != "" && !matchesQuery(g, query) {
			continue
		}
		matched = append(matched, g)
	}

	sortGigs(matched, opts.Sort)

	total := len(matched)
	result := Page{
		Page:       page,
		PageSize:   size,
		Total:      total,
		TotalPages: (total + size - 1) / size,
		Items:      []Gig{},
	}

	// 乗算の前にページ数で判定し、大きなページ番号でのオーバーフローを防ぐ
	if page-1 >= result.TotalPages {
		return result
	}
	start := (page - 1) * size
	end := start + size
	if end > total {
		end = total
	}
	result.Items = matched[start:end]
	return result
}

func matchesQuery(g Gig, query string) bool {
	for _, field := range []string{g.Title, g.Description, g.SkillsRequired, g.Location} {
		if strings.Contains(strings.ToLower(field), query) {
			return true
		}
	}
	return false
}

// sortGigs は並び順に従って安定ソートする。
// 締切順では締切未設定のギグを末尾に置く。
func sortGigs(gigs []Gig, order SortOrder) {
	switch order {
	case SortBudgetAsc:
		sort.SliceStable(gigs, func(i, j int) bool { return gigs[i].Budget < gigs[j].Budget })
	case SortBudgetDesc:
		sort.SliceStable(gigs, func(i, j int) bool { return gigs[i].Budget > gigs[j].Budget })
	case SortDeadline:
		sort.SliceStable(gigs, func(i, j int) bool {
			di, dj := gigs[i].Deadline, gigs[j].Deadline
			if di == "" || dj == "" {
				return di != "" && dj == ""
			}
			return di < dj
		})
	default:
		// created_at はISO 8601のため文字列比較で時系列順になる
		sort.SliceStable(gigs, func(i, j int) bool {
			if gigs[i].CreatedAt != gigs[j].CreatedAt {
				return gigs[i].CreatedAt > gigs[j].CreatedAt
			}
			return gigs[i].ID > gigs[j].ID
		})
	}
}

// ParseSortOrder は文字列を並び順に変換する。未知の値はSortNewestとする。
func ParseSortOrder(s string) SortOrder {
	switch SortOrder(strings.ToLower(strings.TrimSpace(s))) {
	case SortBudgetAsc:
		return SortBudgetAsc
	case SortBudgetDesc:
		return SortBudgetDesc
	case SortDeadline:
		return SortDeadline
	default:
		return SortNewest
	}
}
