package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// toNumeric converts a decimal into a pgtype.Numeric without going through text.
func toNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

// toNullableNumeric maps the zero decimal to SQL NULL when set is false.
func toNullableNumeric(d decimal.Decimal, set bool) pgtype.Numeric {
	if !set {
		return pgtype.Numeric{}
	}
	return toNumeric(d)
}

// fromNumeric converts a scanned numeric back into a decimal. NULL reads as zero.
func fromNumeric(n pgtype.Numeric) (decimal.Decimal, error) {
	if !n.Valid {
		return decimal.Zero, nil
	}
	if n.NaN || n.InfinityModifier != pgtype.Finite {
		return decimal.Zero, fmt.Errorf("non-finite numeric value")
	}
	if n.Int == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromBigInt(n.Int, n.Exp), nil
}

// decimals scans a fixed list of numerics into decimals, stopping at the first failure.
func decimals(pairs ...numericTarget) error {
	for _, p := range pairs {
		d, err := fromNumeric(*p.src)
		if err != nil {
			return fmt.Errorf("decode %s: %w", p.name, err)
		}
		*p.dst = d
	}
	return nil
}

type numericTarget struct {
	name string
	src  *pgtype.Numeric
	dst  *decimal.Decimal
}

func target(name string, src *pgtype.Numeric, dst *decimal.Decimal) numericTarget {
	return numericTarget{name: name, src: src, dst: dst}
}
