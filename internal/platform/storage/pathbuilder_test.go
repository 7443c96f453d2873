package storage

import "testing"

func TestBuildObjectPath(t *testing.T) {
	cases := []struct {
		name    string
		purpose AssetPurpose
		params  PathParams
		want    string
		wantErr bool
	}{
		{
			name:    "label path defaults to tracking pdf",
			purpose: PurposeShippingLabel,
			params:  PathParams{TrackingNumber: "GLS123456"},
			want:    "labels/GLS123456/GLS123456.pdf",
		},
		{
			name:    "label path honours explicit file name",
			purpose: PurposeShippingLabel,
			params:  PathParams{TrackingNumber: "GLS123456", FileName: "label-a5.pdf"},
			want:    "labels/GLS123456/label-a5.pdf",
		},
		{
			name:    "receipt path uses invoice number",
			purpose: PurposeReceipt,
			params:  PathParams{OrderID: "ord_1", InvoiceNumber: "DC-2025-000042"},
			want:    "orders/ord_1/invoices/DC-2025-000042.pdf",
		},
		{
			name:    "receipt path requires order id",
			purpose: PurposeReceipt,
			params:  PathParams{InvoiceNumber: "DC-2025-000042"},
			wantErr: true,
		},
		{
			name:    "receipt path requires a file name or invoice number",
			purpose: PurposeReceipt,
			params:  PathParams{OrderID: "ord_1"},
			wantErr: true,
		},
		{
			name:    "label path requires tracking number",
			purpose: PurposeShippingLabel,
			params:  PathParams{},
			wantErr: true,
		},
		{
			name:    "traversal sequences are rejected",
			purpose: PurposeShippingLabel,
			params:  PathParams{TrackingNumber: "../bad"},
			wantErr: true,
		},
		{
			name:    "path separators are rejected",
			purpose: PurposeReceipt,
			params:  PathParams{OrderID: "ord_1", FileName: "a/b.pdf"},
			wantErr: true,
		},
		{
			name:    "unknown purpose",
			purpose: AssetPurpose("contract"),
			params:  PathParams{OrderID: "ord_1"},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := BuildObjectPath(tc.purpose, tc.params)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got path %q", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestRegisterPathBuilderOverridesAndRemoves(t *testing.T) {
	const purpose = AssetPurpose("customs-declaration")
	RegisterPathBuilder(purpose, func(params PathParams) (string, error) {
		return "customs/" + params.OrderID + ".pdf", nil
	})
	t.Cleanup(func() { RegisterPathBuilder(purpose, nil) })

	got, err := BuildObjectPath(purpose, PathParams{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "customs/ord_1.pdf" {
		t.Fatalf("unexpected path %s", got)
	}

	RegisterPathBuilder(purpose, nil)
	if _, err := BuildObjectPath(purpose, PathParams{OrderID: "ord_1"}); err == nil {
		t.Fatalf("expected error after builder removal")
	}
}
