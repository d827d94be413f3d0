package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/klyro-app/klyro-sync/internal/products"
	"github.com/spf13/cobra"
)

func newProductsCmd() *cobra.Command {
	productsCmd := &cobra.Command{
		Use:   "products",
		Short: "Query the product catalog",
	}

	var limit int

	searchCmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search products by name, ignoring case and diacritics",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			a.waitReady(cmd.Context())

			db, err := openProducts(cmd.Context(), a)
			if err != nil {
				return err
			}

			matches := db.Search(args[0], limit)
			if len(matches) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no products found")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tKCAL\tPROTEIN\tFAT\tCARBS")

			for _, p := range matches {
				fmt.Fprintf(w, "%s\t%s\t%.0f\t%.1f\t%.1f\t%.1f\n", p.ID, p.Name, p.Calories, p.Protein, p.Fat, p.Carbs)
			}

			return w.Flush()
		},
	}
	searchCmd.Flags().IntVarP(&limit, "limit", "n", products.DefaultLimit, "maximum number of results")
	productsCmd.AddCommand(searchCmd)

	return productsCmd
}

// openProducts loads the configured catalog and opens it over the
// store's product cache.
func openProducts(ctx context.Context, a *app) (*products.DB, error) {
	catalog, err := products.LoadCatalog(a.cfg.ProductsFile)
	if err != nil {
		return nil, err
	}

	return products.Open(ctx, a.store, catalog, a.logger)
}
