package sqlfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuilder(t *testing.T) {
	q, args := Select().
		Column("c", "objectid", "db_oid").
		Column("c", "sdssr", "").
		From("kepler_q1", "object_catalog", "c").
		Join("JOIN", "temp", "cone_ids", "t", `t."objectid" = c."objectid"`).
		Where("sdssr < 12").
		Where("").
		Where(`c."object_owner" = ?`, 7).
		OrderBy("sdssr desc").
		Limit(50).
		Expr("?", "collection", "kepler_q1").
		SQL()

	assert.Equal(t,
		`SELECT "c"."objectid" AS "db_oid", "c"."sdssr", ? AS "collection" `+
			`FROM "kepler_q1"."object_catalog" AS "c" `+
			`JOIN "temp"."cone_ids" AS "t" ON t."objectid" = c."objectid" `+
			`WHERE (sdssr < 12) AND (c."object_owner" = ?) ORDER BY sdssr desc LIMIT 50`, q)
	assert.Equal(t, []any{"kepler_q1", 7}, args)
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"we""ird"`, QuoteIdent(`we"ird`))
	assert.Equal(t, `"object_catalog"`, Qualified("", "object_catalog"))
}

func TestBuilderJoinQuery(t *testing.T) {
	q, args := Select().
		Column("c", "objectid", "").
		From("s", "object_catalog", "c").
		JoinQuery("JOIN", `SELECT docid FROM "s"."object_catalog_fts" WHERE "object_catalog_fts" MATCH ?`, "f", `"c"."rowid" = "f"."docid"`, "kepler*").
		Where("ndet > ?", 10).
		SQL()

	assert.Equal(t,
		`SELECT "c"."objectid" FROM "s"."object_catalog" AS "c" `+
			`JOIN (SELECT docid FROM "s"."object_catalog_fts" WHERE "object_catalog_fts" MATCH ?) AS "f" ON "c"."rowid" = "f"."docid" `+
			`WHERE (ndet > ?)`, q)
	assert.Equal(t, []any{"kepler*", 10}, args)
}
