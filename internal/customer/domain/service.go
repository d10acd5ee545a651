package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

var ErrCustomerNotFound = errors.New("customer_not_found")

type Service interface {
	GetCustomer(ctx context.Context, id snowflake.ID) (Lookup, error)
}
