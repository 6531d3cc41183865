package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"manchengo/api/internal/pagination"

	"github.com/shopspring/decimal"
)

// CatalogFilter narrows catalog listings. Search matches code or name.
type CatalogFilter struct {
	Search     string
	ActiveOnly bool
}

func (f CatalogFilter) where(alias string) ([]string, []any) {
	var where []string
	var args []any
	if q := strings.TrimSpace(f.Search); q != "" {
		args = append(args, "%"+q+"%")
		where = append(where, fmt.Sprintf("(%[1]s.code ILIKE $%[2]d OR %[1]s.name ILIKE $%[2]d)", alias, len(args)))
	}
	if f.ActiveOnly {
		where = append(where, alias+".is_active")
	}
	return where, args
}

func catalogKey(id int64, code, name string, createdAt any, field string) (int64, any) {
	switch field {
	case "code":
		return id, code
	case "name":
		return id, name
	case "id":
		return id, id
	default:
		return id, createdAt
	}
}

var catalogSortable = map[string]string{
	"createdAt": "created_at",
	"code":      "code",
	"name":      "name",
	"id":        "id",
}

// Suppliers

const supplierColumns = `id, code, name, email, phone, address, nif, lead_time_days, is_active, created_at, updated_at`

func scanSupplier(row pagination.Scanner) (Supplier, error) {
	var s Supplier
	err := row.Scan(&s.ID, &s.Code, &s.Name, &s.Email, &s.Phone, &s.Address, &s.NIF, &s.LeadTimeDays, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func (s *PostgresStore) CreateSupplier(ctx context.Context, in Supplier) (Supplier, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO suppliers (code, name, email, phone, address, nif, lead_time_days, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+supplierColumns,
		in.Code, in.Name, in.Email, in.Phone, in.Address, in.NIF, in.LeadTimeDays, in.IsActive)
	out, err := scanSupplier(row)
	if err != nil {
		return Supplier{}, fmt.Errorf("create supplier: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateSupplier(ctx context.Context, in Supplier) (Supplier, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		UPDATE suppliers SET name = $2, email = $3, phone = $4, address = $5, nif = $6,
			lead_time_days = $7, is_active = $8, updated_at = NOW()
		WHERE id = $1
		RETURNING `+supplierColumns,
		in.ID, in.Name, in.Email, in.Phone, in.Address, in.NIF, in.LeadTimeDays, in.IsActive)
	out, err := scanSupplier(row)
	if err != nil {
		return Supplier{}, fmt.Errorf("update supplier: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetSupplier(ctx context.Context, id int64) (Supplier, error) {
	out, err := scanSupplier(s.conn(ctx).QueryRowContext(ctx, `SELECT `+supplierColumns+` FROM suppliers WHERE id = $1`, id))
	if err != nil {
		return Supplier{}, fmt.Errorf("get supplier: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListSuppliers(ctx context.Context, filter CatalogFilter, params pagination.CursorParams) (pagination.CursorPage[Supplier], error) {
	where, args := filter.where("s")
	k := pagination.Keyset{
		Select:       "s.id, s.code, s.name, s.email, s.phone, s.address, s.nif, s.lead_time_days, s.is_active, s.created_at, s.updated_at",
		From:         "suppliers s",
		IDColumn:     "s.id",
		Sortable:     prefixSortable("s", catalogSortable),
		DefaultSort:  "name",
		DefaultOrder: pagination.Asc,
		Where:        where,
		Args:         args,
	}
	return pagination.Fetch(ctx, s.conn(ctx), k, params, scanSupplier, func(item Supplier, field string) (int64, any) {
		return catalogKey(item.ID, item.Code, item.Name, item.CreatedAt, field)
	})
}

// Clients

const clientColumns = `id, code, name, nif, address, is_active, created_at, updated_at`

func scanClient(row pagination.Scanner) (Client, error) {
	var c Client
	err := row.Scan(&c.ID, &c.Code, &c.Name, &c.NIF, &c.Address, &c.IsActive, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func (s *PostgresStore) CreateClient(ctx context.Context, in Client) (Client, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO clients (code, name, nif, address, is_active) VALUES ($1, $2, $3, $4, $5)
		RETURNING `+clientColumns, in.Code, in.Name, in.NIF, in.Address, in.IsActive)
	out, err := scanClient(row)
	if err != nil {
		return Client{}, fmt.Errorf("create client: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetClient(ctx context.Context, id int64) (Client, error) {
	out, err := scanClient(s.conn(ctx).QueryRowContext(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = $1`, id))
	if err != nil {
		return Client{}, fmt.Errorf("get client: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ListClients(ctx context.Context, filter CatalogFilter, params pagination.CursorParams) (pagination.CursorPage[Client], error) {
	where, args := filter.where("c")
	k := pagination.Keyset{
		Select:       "c.id, c.code, c.name, c.nif, c.address, c.is_active, c.created_at, c.updated_at",
		From:         "clients c",
		IDColumn:     "c.id",
		Sortable:     prefixSortable("c", catalogSortable),
		DefaultSort:  "name",
		DefaultOrder: pagination.Asc,
		Where:        where,
		Args:         args,
	}
	return pagination.Fetch(ctx, s.conn(ctx), k, params, scanClient, func(item Client, field string) (int64, any) {
		return catalogKey(item.ID, item.Code, item.Name, item.CreatedAt, field)
	})
}

// Raw materials

const productMPColumns = `p.id, p.code, p.name, p.unit, p.category, p.min_stock, p.seuil_securite, p.seuil_commande,
	p.lead_time_days, p.criticite, p.consommation_moy_jour, p.main_supplier_id, p.default_tva_rate,
	p.is_active, p.created_at, p.updated_at`

func scanProductMP(row pagination.Scanner) (ProductMP, error) {
	var p ProductMP
	var supplierID sql.NullInt64
	if err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Unit, &p.Category, &p.MinStock, &p.SeuilSecurite, &p.SeuilCommande,
		&p.LeadTimeDays, &p.Criticite, &p.ConsommationMoyJour, &supplierID, &p.DefaultTVARate,
		&p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return ProductMP{}, err
	}
	p.MainSupplierID = nullInt64Ptr(supplierID)
	return p, nil
}

func (s *PostgresStore) CreateProductMP(ctx context.Context, in ProductMP) (ProductMP, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		WITH p AS (
			INSERT INTO products_mp (code, name, unit, category, min_stock, seuil_securite, seuil_commande,
				lead_time_days, criticite, consommation_moy_jour, main_supplier_id, default_tva_rate, is_active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			RETURNING *
		)
		SELECT `+productMPColumns+` FROM p`,
		in.Code, in.Name, in.Unit, in.Category, in.MinStock, in.SeuilSecurite, in.SeuilCommande,
		in.LeadTimeDays, in.Criticite, in.ConsommationMoyJour, int64Arg(in.MainSupplierID), in.DefaultTVARate, in.IsActive)
	out, err := scanProductMP(row)
	if err != nil {
		return ProductMP{}, fmt.Errorf("create product mp: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateProductMP(ctx context.Context, in ProductMP) (ProductMP, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		WITH p AS (
			UPDATE products_mp SET name = $2, unit = $3, category = $4, min_stock = $5, seuil_securite = $6,
				seuil_commande = $7, lead_time_days = $8, criticite = $9, consommation_moy_jour = $10,
				main_supplier_id = $11, default_tva_rate = $12, is_active = $13, updated_at = NOW()
			WHERE id = $1
			RETURNING *
		)
		SELECT `+productMPColumns+` FROM p`,
		in.ID, in.Name, in.Unit, in.Category, in.MinStock, in.SeuilSecurite, in.SeuilCommande,
		in.LeadTimeDays, in.Criticite, in.ConsommationMoyJour, int64Arg(in.MainSupplierID), in.DefaultTVARate, in.IsActive)
	out, err := scanProductMP(row)
	if err != nil {
		return ProductMP{}, fmt.Errorf("update product mp: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetProductMP(ctx context.Context, id int64) (ProductMP, error) {
	out, err := scanProductMP(s.conn(ctx).QueryRowContext(ctx, `SELECT `+productMPColumns+` FROM products_mp p WHERE p.id = $1`, id))
	if err != nil {
		return ProductMP{}, fmt.Errorf("get product mp: %w", err)
	}
	return out, nil
}

// GetProductsMP loads the given raw materials keyed by id. Missing ids are
// simply absent from the map.
func (s *PostgresStore) GetProductsMP(ctx context.Context, ids []int64) (map[int64]ProductMP, error) {
	out := make(map[int64]ProductMP, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT `+productMPColumns+` FROM products_mp p WHERE p.id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get products mp: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanProductMP(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product mp: %w", err)
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListProductsMP(ctx context.Context, filter CatalogFilter, params pagination.CursorParams) (pagination.CursorPage[ProductMP], error) {
	where, args := filter.where("p")
	k := pagination.Keyset{
		Select:       productMPColumns,
		From:         "products_mp p",
		IDColumn:     "p.id",
		Sortable:     prefixSortable("p", catalogSortable),
		DefaultSort:  "code",
		DefaultOrder: pagination.Asc,
		Where:        where,
		Args:         args,
	}
	return pagination.Fetch(ctx, s.conn(ctx), k, params, scanProductMP, func(item ProductMP, field string) (int64, any) {
		return catalogKey(item.ID, item.Code, item.Name, item.CreatedAt, field)
	})
}

// Finished products

const productPFColumns = `id, code, name, unit, price_ht, min_stock, is_active, created_at, updated_at`

func scanProductPF(row pagination.Scanner) (ProductPF, error) {
	var p ProductPF
	err := row.Scan(&p.ID, &p.Code, &p.Name, &p.Unit, &p.PriceHT, &p.MinStock, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *PostgresStore) CreateProductPF(ctx context.Context, in ProductPF) (ProductPF, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		INSERT INTO products_pf (code, name, unit, price_ht, min_stock, is_active) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+productPFColumns, in.Code, in.Name, in.Unit, in.PriceHT, in.MinStock, in.IsActive)
	out, err := scanProductPF(row)
	if err != nil {
		return ProductPF{}, fmt.Errorf("create product pf: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetProductPF(ctx context.Context, id int64) (ProductPF, error) {
	out, err := scanProductPF(s.conn(ctx).QueryRowContext(ctx, `SELECT `+productPFColumns+` FROM products_pf WHERE id = $1`, id))
	if err != nil {
		return ProductPF{}, fmt.Errorf("get product pf: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetProductsPF(ctx context.Context, ids []int64) (map[int64]ProductPF, error) {
	out := make(map[int64]ProductPF, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT `+productPFColumns+` FROM products_pf WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("get products pf: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanProductPF(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product pf: %w", err)
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListProductsPF(ctx context.Context, filter CatalogFilter, params pagination.CursorParams) (pagination.CursorPage[ProductPF], error) {
	where, args := filter.where("p")
	k := pagination.Keyset{
		Select:       "p.id, p.code, p.name, p.unit, p.price_ht, p.min_stock, p.is_active, p.created_at, p.updated_at",
		From:         "products_pf p",
		IDColumn:     "p.id",
		Sortable:     prefixSortable("p", catalogSortable),
		DefaultSort:  "code",
		DefaultOrder: pagination.Asc,
		Where:        where,
		Args:         args,
	}
	return pagination.Fetch(ctx, s.conn(ctx), k, params, scanProductPF, func(item ProductPF, field string) (int64, any) {
		return catalogKey(item.ID, item.Code, item.Name, item.CreatedAt, field)
	})
}

// Recipes

const recipeColumns = `r.id, r.product_pf_id, pf.code, pf.name, r.name, r.batch_weight, r.output_quantity,
	r.loss_tolerance, r.shelf_life_days, r.is_active, r.created_at, r.updated_at`

func scanRecipe(row pagination.Scanner) (Recipe, error) {
	var r Recipe
	err := row.Scan(&r.ID, &r.ProductPFID, &r.ProductPFCode, &r.ProductPFName, &r.Name, &r.BatchWeight, &r.OutputQuantity,
		&r.LossTolerance, &r.ShelfLifeDays, &r.IsActive, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

// CreateRecipe inserts a recipe with its items. A previously active recipe
// for the same product is deactivated first.
func (s *PostgresStore) CreateRecipe(ctx context.Context, in Recipe) (Recipe, error) {
	var id int64
	err := s.RunInTx(ctx, func(ctx context.Context) error {
		q := s.conn(ctx)
		if in.IsActive {
			if _, err := q.ExecContext(ctx, `UPDATE recipes SET is_active = FALSE, updated_at = NOW() WHERE product_pf_id = $1 AND is_active`, in.ProductPFID); err != nil {
				return fmt.Errorf("deactivate previous recipe: %w", err)
			}
		}
		if err := q.QueryRowContext(ctx, `
			INSERT INTO recipes (product_pf_id, name, batch_weight, output_quantity, loss_tolerance, shelf_life_days, is_active)
			VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id
		`, in.ProductPFID, in.Name, in.BatchWeight, in.OutputQuantity, in.LossTolerance, in.ShelfLifeDays, in.IsActive).Scan(&id); err != nil {
			return fmt.Errorf("insert recipe: %w", err)
		}
		for i, item := range in.Items {
			if _, err := q.ExecContext(ctx, `
				INSERT INTO recipe_items (recipe_id, product_mp_id, quantity, unit, is_mandatory, affects_stock, sort_order)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, id, item.ProductMPID, item.Quantity, item.Unit, item.IsMandatory, item.AffectsStock, i); err != nil {
				return fmt.Errorf("insert recipe item: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return Recipe{}, err
	}
	return s.GetRecipe(ctx, id)
}

func (s *PostgresStore) GetRecipe(ctx context.Context, id int64) (Recipe, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		SELECT `+recipeColumns+` FROM recipes r JOIN products_pf pf ON pf.id = r.product_pf_id WHERE r.id = $1`, id)
	recipe, err := scanRecipe(row)
	if err != nil {
		return Recipe{}, fmt.Errorf("get recipe: %w", err)
	}
	items, err := s.recipeItems(ctx, recipe.ID)
	if err != nil {
		return Recipe{}, err
	}
	recipe.Items = items
	return recipe, nil
}

// GetActiveRecipeByProduct returns the active recipe of a finished product.
func (s *PostgresStore) GetActiveRecipeByProduct(ctx context.Context, productPFID int64) (Recipe, error) {
	row := s.conn(ctx).QueryRowContext(ctx, `
		SELECT `+recipeColumns+` FROM recipes r JOIN products_pf pf ON pf.id = r.product_pf_id
		WHERE r.product_pf_id = $1 AND r.is_active`, productPFID)
	recipe, err := scanRecipe(row)
	if err != nil {
		return Recipe{}, fmt.Errorf("get active recipe: %w", err)
	}
	items, err := s.recipeItems(ctx, recipe.ID)
	if err != nil {
		return Recipe{}, err
	}
	recipe.Items = items
	return recipe, nil
}

func (s *PostgresStore) recipeItems(ctx context.Context, recipeID int64) ([]RecipeItem, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT ri.id, ri.recipe_id, ri.product_mp_id, mp.code, mp.name, mp.criticite, ri.quantity, ri.unit,
		       ri.is_mandatory, ri.affects_stock, ri.sort_order
		FROM recipe_items ri
		JOIN products_mp mp ON mp.id = ri.product_mp_id
		WHERE ri.recipe_id = $1
		ORDER BY ri.sort_order, ri.id
	`, recipeID)
	if err != nil {
		return nil, fmt.Errorf("list recipe items: %w", err)
	}
	defer rows.Close()

	items := make([]RecipeItem, 0)
	for rows.Next() {
		var item RecipeItem
		if err := rows.Scan(&item.ID, &item.RecipeID, &item.ProductMPID, &item.ProductMPCode, &item.ProductMPName,
			&item.Criticite, &item.Quantity, &item.Unit, &item.IsMandatory, &item.AffectsStock, &item.SortOrder); err != nil {
			return nil, fmt.Errorf("scan recipe item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ListRecipes(ctx context.Context, filter CatalogFilter, params pagination.CursorParams) (pagination.CursorPage[Recipe], error) {
	var where []string
	var args []any
	if q := strings.TrimSpace(filter.Search); q != "" {
		args = append(args, "%"+q+"%")
		where = append(where, "(r.name ILIKE $1 OR pf.code ILIKE $1 OR pf.name ILIKE $1)")
	}
	if filter.ActiveOnly {
		where = append(where, "r.is_active")
	}
	k := pagination.Keyset{
		Select:       recipeColumns,
		From:         "recipes r JOIN products_pf pf ON pf.id = r.product_pf_id",
		IDColumn:     "r.id",
		Sortable:     map[string]string{"createdAt": "r.created_at", "name": "r.name", "id": "r.id"},
		DefaultSort:  "name",
		DefaultOrder: pagination.Asc,
		Where:        where,
		Args:         args,
	}
	return pagination.Fetch(ctx, s.conn(ctx), k, params, scanRecipe, func(item Recipe, field string) (int64, any) {
		return catalogKey(item.ID, "", item.Name, item.CreatedAt, field)
	})
}

// ActiveRecipeCounts returns, per raw material, how many active recipes use it.
func (s *PostgresStore) ActiveRecipeCounts(ctx context.Context) (map[int64]int, error) {
	rows, err := s.conn(ctx).QueryContext(ctx, `
		SELECT ri.product_mp_id, COUNT(DISTINCT ri.recipe_id)
		FROM recipe_items ri JOIN recipes r ON r.id = ri.recipe_id
		WHERE r.is_active
		GROUP BY ri.product_mp_id
	`)
	if err != nil {
		return nil, fmt.Errorf("count active recipes: %w", err)
	}
	defer rows.Close()
	out := map[int64]int{}
	for rows.Next() {
		var id int64
		var count int
		if err := rows.Scan(&id, &count); err != nil {
			return nil, fmt.Errorf("scan recipe count: %w", err)
		}
		out[id] = count
	}
	return out, rows.Err()
}

// ThresholdUpdate changes the procurement thresholds of one raw material.
type ThresholdUpdate struct {
	SeuilSecurite       decimal.NullDecimal
	SeuilCommande       decimal.NullDecimal
	LeadTimeDays        *int
	Criticite           string
	ConsommationMoyJour decimal.NullDecimal
}

func (s *PostgresStore) UpdateProductMPThresholds(ctx context.Context, id int64, upd ThresholdUpdate) (ProductMP, error) {
	var leadTime any
	if upd.LeadTimeDays != nil {
		leadTime = *upd.LeadTimeDays
	}
	row := s.conn(ctx).QueryRowContext(ctx, `
		WITH p AS (
			UPDATE products_mp SET
				seuil_securite = COALESCE($2, seuil_securite),
				seuil_commande = COALESCE($3, seuil_commande),
				lead_time_days = COALESCE($4, lead_time_days),
				criticite = COALESCE($5, criticite),
				consommation_moy_jour = COALESCE($6, consommation_moy_jour),
				updated_at = NOW()
			WHERE id = $1
			RETURNING *
		)
		SELECT `+productMPColumns+` FROM p`,
		id, upd.SeuilSecurite, upd.SeuilCommande, leadTime, stringArg(upd.Criticite), upd.ConsommationMoyJour)
	out, err := scanProductMP(row)
	if err != nil {
		return ProductMP{}, fmt.Errorf("update thresholds: %w", err)
	}
	return out, nil
}

func prefixSortable(alias string, sortable map[string]string) map[string]string {
	out := make(map[string]string, len(sortable))
	for field, column := range sortable {
		out[field] = alias + "." + column
	}
	return out
}
