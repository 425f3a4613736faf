package mention

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/vedran77/portal/internal/domain"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		caret int
		want  Trigger
	}{
		{"query after space", "hello @jo", 9, Trigger{Active: true, Start: 6, Query: "jo"}},
		{"mid word", "user@jo", 7, Trigger{}},
		{"closed by space", "@john doe", 9, Trigger{}},
		{"empty query", "hi @", 4, Trigger{Active: true, Start: 3, Query: ""}},
		{"start of text", "@ana", 4, Trigger{Active: true, Start: 0, Query: "ana"}},
		{"after bracket", "(@ana", 5, Trigger{Active: true, Start: 1, Query: "ana"}},
		{"after curly", "{@a", 3, Trigger{Active: true, Start: 1, Query: "a"}},
		{"closed by punctuation", "@ana, hi", 8, Trigger{}},
		{"closed by period", "@ana.", 5, Trigger{}},
		{"no at", "hello", 5, Trigger{}},
		{"caret before at", "hi @ana", 2, Trigger{}},
		{"caret inside query", "hi @anabel", 6, Trigger{Active: true, Start: 3, Query: "an"}},
		{"unicode offsets", "čćž @đu", 7, Trigger{Active: true, Start: 4, Query: "đu"}},
		{"caret past end is clamped", "@a", 99, Trigger{Active: true, Start: 0, Query: "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Detect(tt.text, tt.caret))
		})
	}
}

func TestOffsets(t *testing.T) {
	text := "👋 @an"
	assert.Equal(t, 5, RuneOffset(text, 6))
	assert.Equal(t, 6, UTF16Offset(text, 5))
	assert.Equal(t, 1, RuneOffset(text, 1), "inside a surrogate pair")
	assert.Equal(t, 0, RuneOffset(text, -1))
	assert.Equal(t, 5, RuneOffset(text, 99))
	assert.Equal(t, 6, UTF16Offset(text, 99))

	trig := Detect(text, RuneOffset(text, 6))
	assert.Equal(t, Trigger{Active: true, Start: 2, Query: "an"}, trig)
	assert.Equal(t, 3, UTF16Offset(text, trig.Start))
}

func TestInsert(t *testing.T) {
	text := "hello @jo and more"
	trig := Detect(text, 9)
	got, caret := Insert(text, trig, 9, "Jovana Ilić")
	assert.Equal(t, "hello @Jovana Ilić  and more", got)
	assert.Equal(t, 19, caret)
	assert.Equal(t, ' ', []rune(got)[caret-1])
}

func people() []domain.Identity {
	names := [][3]string{
		{"Ana", "Horvat", "ana.horvat@example.com"},
		{"Đorđe", "Marković", "djordje@example.com"},
		{"Zoë", "Łukasik", "zoe.l@example.com"},
		{"Ivan", "Anić", "ivan_anic@example.com"},
		{"Marko", "Babić", "mb@example.com"},
		{"Petra", "Kos", "petra@example.com"},
		{"Luka", "Perić", "luka@example.com"},
		{"Nina", "Zorić", "nina@example.com"},
	}
	out := make([]domain.Identity, len(names))
	for i, n := range names {
		out[i] = domain.Identity{ID: uuid.New(), FirstName: n[0], LastName: n[1], Email: n[2]}
	}
	return out
}

func firstNames(ids []domain.Identity) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.FirstName
	}
	return out
}

func TestSuggest(t *testing.T) {
	dir := people()

	t.Run("empty query returns first six", func(t *testing.T) {
		got := Suggest(dir, "", nil)
		assert.Equal(t, []string{"Ana", "Đorđe", "Zoë", "Ivan", "Marko", "Petra"}, firstNames(got))
	})

	t.Run("excluded users are skipped", func(t *testing.T) {
		got := Suggest(dir, "", map[uuid.UUID]struct{}{dir[0].ID: {}})
		assert.Equal(t, []string{"Đorđe", "Zoë", "Ivan", "Marko", "Petra", "Luka"}, firstNames(got))
	})

	t.Run("diacritic insensitive", func(t *testing.T) {
		assert.Equal(t, []string{"Đorđe"}, firstNames(Suggest(dir, "dord", nil)))
		assert.Equal(t, []string{"Zoë"}, firstNames(Suggest(dir, "lukas", nil)))
		assert.Equal(t, []string{"Zoë"}, firstNames(Suggest(dir, "ZOE", nil)))
	})

	t.Run("matches last name and email local part", func(t *testing.T) {
		assert.Equal(t, []string{"Ana", "Ivan"}, firstNames(Suggest(dir, "an", nil)))
		assert.Equal(t, []string{"Đorđe"}, firstNames(Suggest(dir, "djordje", nil)))
		assert.Equal(t, []string{"Marko"}, firstNames(Suggest(dir, "mb", nil)))
	})

	t.Run("no match", func(t *testing.T) {
		assert.Empty(t, Suggest(dir, "xyz", nil))
	})
}

func TestContainsToken(t *testing.T) {
	assert.True(t, ContainsToken("Ping @Jan Kowalski please", "@Jan Kowalski"))
	assert.False(t, ContainsToken("Ping @Jan Kowalskiski", "@Jan Kowalski"))
	assert.True(t, ContainsToken("@Jan Kowalski", "@Jan Kowalski"))
	assert.True(t, ContainsToken("(@Jan Kowalski)", "@Jan Kowalski"))
	assert.True(t, ContainsToken("cc @Jan Kowalski, thanks", "@Jan Kowalski"))
	assert.False(t, ContainsToken("mail x@Jan Kowalski", "@Jan Kowalski"))
	assert.True(t, ContainsToken("@Jan Kowalskiski and @Jan Kowalski", "@Jan Kowalski"))
	assert.False(t, ContainsToken("anything", ""))
}

func TestPartition(t *testing.T) {
	t.Run("splits text and mentions", func(t *testing.T) {
		got := Partition("Hi @Ana Horvat and @Ivan!", []string{"Ana Horvat", "Ivan", "Ana Horvat"})
		assert.Equal(t, []Span{
			{Text: "Hi "},
			{Text: "@Ana Horvat", Mention: true},
			{Text: " and "},
			{Text: "@Ivan", Mention: true},
			{Text: "!"},
		}, got)
	})

	t.Run("longest label wins", func(t *testing.T) {
		got := Partition("@Ana Horvat", []string{"Ana", "Ana Horvat"})
		assert.Equal(t, []Span{{Text: "@Ana Horvat", Mention: true}}, got)
	})

	t.Run("falls back to shorter label when longer is unbounded", func(t *testing.T) {
		got := Partition("@Ana Horvatić", []string{"Ana", "Ana Horvat"})
		assert.Equal(t, []Span{{Text: "@Ana", Mention: true}, {Text: " Horvatić"}}, got)
	})

	t.Run("unbounded token is text", func(t *testing.T) {
		got := Partition("email ana@Ana", []string{"Ana"})
		assert.Equal(t, []Span{{Text: "email ana@Ana"}}, got)
	})

	t.Run("no labels", func(t *testing.T) {
		assert.Equal(t, []Span{{Text: "plain"}}, Partition("plain", nil))
		assert.Nil(t, Partition("", []string{"x"}))
	})
}

func TestDraft(t *testing.T) {
	dir := people()
	ana, ivan := dir[0], dir[3]

	var d Draft
	text := "hi @" + ana.DisplayName() + " and @" + ivan.DisplayName() + " "
	d.Add(ana)
	d.Add(ivan)
	d.Add(ana)
	assert.Equal(t, []uuid.UUID{ana.ID, ivan.ID}, d.UserIDs())

	d.Sync(text)
	assert.Len(t, d.UserIDs(), 2)

	d.Sync("hi @Ana Horva and @Ivan Anić ")
	assert.Equal(t, []uuid.UUID{ivan.ID}, d.UserIDs())
	assert.Contains(t, d.Excluded(), ivan.ID)
	assert.NotContains(t, d.Excluded(), ana.ID)

	d.Reset()
	assert.Empty(t, d.UserIDs())
}

func TestDraftSameLabel(t *testing.T) {
	a := domain.Identity{ID: uuid.New(), FirstName: "Ana", LastName: "Kos"}
	b := domain.Identity{ID: uuid.New(), FirstName: "Ana", LastName: "Kos"}

	var d Draft
	d.Add(a)
	d.Add(b)

	d.Sync("@Ana Kos @Ana Kos ")
	assert.Equal(t, []uuid.UUID{a.ID, b.ID}, d.UserIDs())

	d.Sync("@Ana Kos ")
	assert.Equal(t, []uuid.UUID{a.ID}, d.UserIDs())
}
